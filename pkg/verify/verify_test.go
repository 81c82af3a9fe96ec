package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/audit-anchor/pkg/digest"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
	"github.com/exploopio/audit-anchor/pkg/ledger"
	"github.com/exploopio/audit-anchor/pkg/metrics"
)

const canonicalReport = `{"name":"Foo.sol","pragma":"^0.8.0","vulnerabilities":[{"category":"reentrancy","explanation":"...","severity":"high"}]}`

type fakeRegistry struct {
	records []ledger.RegistrationRecord
	err     error
}

func (f *fakeRegistry) Registrations(ctx context.Context, fromBlock uint64) ([]ledger.RegistrationRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []ledger.RegistrationRecord
	for _, r := range f.records {
		if r.BlockNumber >= fromBlock {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeFetcher struct {
	content  map[string]string
	delay    time.Duration
	inFlight int32
	peak     int32
	mu       sync.Mutex
}

func (f *fakeFetcher) FetchRaw(ctx context.Context, cid string) ([]byte, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	f.mu.Lock()
	if n > f.peak {
		f.peak = n
	}
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	body, ok := f.content[cid]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "ipfs.Fetch", fmt.Sprintf("report %s not available", cid),
			&errs.StatusError{StatusCode: 404})
	}
	return []byte(body), nil
}

func TestVerify_Outcomes(t *testing.T) {
	good := digest.Sum([]byte(canonicalReport))
	reg := &fakeRegistry{records: []ledger.RegistrationRecord{
		{Index: 0, ReportHash: good, IpfsCID: "QmGood", BlockNumber: 1},
		{Index: 1, ReportHash: good, IpfsCID: "QmPretty", BlockNumber: 2},
		{Index: 2, ReportHash: digest.Sum([]byte("other")), IpfsCID: "QmGood", BlockNumber: 3},
		{Index: 3, ReportHash: good, IpfsCID: "QmMissing", BlockNumber: 4},
		{Index: 4, ReportHash: good, IpfsCID: "QmJunk", BlockNumber: 5},
		{Index: 5, ReportHash: good, IpfsCID: "QmTrailing", BlockNumber: 6},
	}}
	fetch := &fakeFetcher{content: map[string]string{
		"QmGood": canonicalReport,
		"QmPretty": `{
  "vulnerabilities": [{"severity": "high", "explanation": "...", "category": "reentrancy"}],
  "pragma": "^0.8.0",
  "name": "Foo.sol"
}`,
		"QmJunk":     `not json`,
		"QmTrailing": canonicalReport + "}",
	}}
	collector := metrics.NewInMemoryCollector()

	rep, err := New(reg, fetch, WithMetrics(collector)).Verify(context.Background(), 0)
	require.NoError(t, err)

	require.Len(t, rep.Records, 6)
	assert.Equal(t, 6, rep.Total)
	assert.Equal(t, 2, rep.Verified)
	assert.Equal(t, 1, rep.Mismatched)
	assert.Equal(t, 1, rep.Unavailable)
	assert.Equal(t, 2, rep.Undecodable)
	assert.False(t, rep.OK())

	assert.Equal(t, OutcomeVerified, rep.Records[0].Outcome)
	assert.True(t, rep.Records[0].Canonical)
	assert.Equal(t, "Foo.sol", rep.Records[0].Name)

	assert.Equal(t, OutcomeVerified, rep.Records[1].Outcome, "key order and whitespace do not matter")
	assert.False(t, rep.Records[1].Canonical)

	assert.Equal(t, OutcomeMismatch, rep.Records[2].Outcome)
	require.NotNil(t, rep.Records[2].Computed)
	assert.Equal(t, good, *rep.Records[2].Computed)

	assert.Equal(t, OutcomeUnavailable, rep.Records[3].Outcome)
	assert.Contains(t, rep.Records[3].Error, "QmMissing")

	assert.Equal(t, OutcomeUndecodable, rep.Records[4].Outcome)
	assert.Equal(t, OutcomeUndecodable, rep.Records[5].Outcome, "trailing data is not a match")

	assert.Equal(t, 3, rep.Severities.High, "severities of every decoded report")
	assert.Equal(t, float64(2), collector.GetCounter(metrics.VerifyRecordsTotal.Name, "result", "verified"))
	assert.Equal(t, float64(1), collector.GetGauge(metrics.VerifyLastMismatched.Name))
}

func TestVerify_FromBlock(t *testing.T) {
	good := digest.Sum([]byte(canonicalReport))
	reg := &fakeRegistry{records: []ledger.RegistrationRecord{
		{Index: 0, ReportHash: good, IpfsCID: "Qm", BlockNumber: 10},
		{Index: 1, ReportHash: good, IpfsCID: "Qm", BlockNumber: 20},
	}}
	rep, err := New(reg, &fakeFetcher{content: map[string]string{"Qm": canonicalReport}}).Verify(context.Background(), 15)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Total)
	assert.True(t, rep.OK())
	assert.Equal(t, uint64(15), rep.FromBlock)
}

func TestVerify_Empty(t *testing.T) {
	rep, err := New(&fakeRegistry{}, &fakeFetcher{}).Verify(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, rep.Total)
	assert.True(t, rep.OK())
}

func TestVerify_RegistryError(t *testing.T) {
	_, err := New(&fakeRegistry{err: errs.E(errs.KindNetwork, "ledger.Registrations", errors.New("down"))}, &fakeFetcher{}).
		Verify(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errs.IsNetworkError(err))
}

func TestVerify_BoundedConcurrency(t *testing.T) {
	good := digest.Sum([]byte(canonicalReport))
	var records []ledger.RegistrationRecord
	for i := 0; i < 20; i++ {
		records = append(records, ledger.RegistrationRecord{Index: uint64(i), ReportHash: good, IpfsCID: "Qm"})
	}
	fetch := &fakeFetcher{content: map[string]string{"Qm": canonicalReport}, delay: 5 * time.Millisecond}

	rep, err := New(&fakeRegistry{records: records}, fetch, WithConcurrency(3)).Verify(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 20, rep.Verified)
	assert.LessOrEqual(t, fetch.peak, int32(3))
	for i, rec := range rep.Records {
		assert.Equal(t, uint64(i), rec.Index, "records keep registry order")
	}
}
