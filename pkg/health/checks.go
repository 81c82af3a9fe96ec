package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// PingCheck reports a dependency healthy when Ping succeeds. Used for the
// ledger node, the journal database and the model server.
type PingCheck struct {
	Ping func(ctx context.Context) error

	// Metadata is attached to every result (chain id, database path).
	Metadata map[string]any
}

func (c *PingCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{Metadata: c.Metadata}
	if c.Ping == nil {
		result.Status = StatusUnknown
		result.Message = "no ping function configured"
		return result
	}
	if err := c.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	result.Status = StatusHealthy
	result.Message = "reachable"
	return result
}

// HTTPCheck reports an HTTP endpoint healthy when it answers below 500.
// Gateways commonly answer 4xx on their root, which still proves reachability.
type HTTPCheck struct {
	URL    string
	Client *http.Client
}

func (c *HTTPCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{Metadata: map[string]any{"url": c.URL}}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	resp, err := client.Do(req)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 500 {
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("unexpected status: %d", resp.StatusCode)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	return result
}

// DiskCheck checks free space on the filesystem holding Path.
type DiskCheck struct {
	Path string

	// MinFreePercent takes precedence over MinFreeBytes when set.
	MinFreePercent float64
	MinFreeBytes   uint64
}

func (c *DiskCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{Metadata: make(map[string]any)}

	path := c.Path
	if path == "" {
		path = "/"
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		// The journal file may not exist yet; its directory will do.
		if err2 := unix.Statfs(filepath.Dir(path), &stat); err2 != nil {
			result.Status = StatusUnhealthy
			result.Error = fmt.Sprintf("failed to get disk stats: %v", err)
			return result
		}
	}

	total := stat.Blocks * uint64(stat.Bsize) //nolint:gosec // Bsize is positive
	free := stat.Bavail * uint64(stat.Bsize)  //nolint:gosec // Bsize is positive
	var freePercent float64
	if total > 0 {
		freePercent = float64(free) / float64(total) * 100
	}

	result.Metadata["path"] = path
	result.Metadata["total_bytes"] = total
	result.Metadata["free_bytes"] = free
	result.Metadata["free_percent"] = fmt.Sprintf("%.2f%%", freePercent)

	switch {
	case c.MinFreePercent > 0 && freePercent < c.MinFreePercent:
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("disk free space %.2f%% is below threshold %.2f%%", freePercent, c.MinFreePercent)
	case c.MinFreePercent <= 0 && c.MinFreeBytes > 0 && free < c.MinFreeBytes:
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("disk free space %d bytes is below threshold %d bytes", free, c.MinFreeBytes)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("disk has %.2f%% free space", freePercent)
	}
	return result
}

// Optional downgrades an unhealthy result to degraded. Anchoring
// dependencies are wrapped with it: analysis still works without them.
func Optional(c Checker) Checker {
	return CheckFunc(func(ctx context.Context) CheckResult {
		r := c.Check(ctx)
		if r.Status == StatusUnhealthy {
			r.Status = StatusDegraded
		}
		return r
	})
}

var (
	_ Checker = (*PingCheck)(nil)
	_ Checker = (*HTTPCheck)(nil)
	_ Checker = (*DiskCheck)(nil)
	_ Checker = CheckFunc(nil)
)
