package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	errs "github.com/exploopio/audit-anchor/pkg/errors"
	"github.com/exploopio/audit-anchor/pkg/ledger"
	"github.com/exploopio/audit-anchor/pkg/scan"
	"github.com/exploopio/audit-anchor/pkg/verify"
)

// ErrorBody is the error response shape.
type ErrorBody struct {
	Detail string `json:"detail"`
}

func abortDetail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, ErrorBody{Detail: detail})
}

func respondError(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	abortDetail(c, status, err.Error())
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errs.GetKind(err) {
	case errs.KindInvalidInput:
		return http.StatusBadRequest
	case errs.KindAuthentication:
		return http.StatusUnauthorized
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindRateLimit:
		return http.StatusTooManyRequests
	case errs.KindDecode, errs.KindNetwork:
		return http.StatusBadGateway
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// POST /scan
//
// Anchoring failures do not fail the request; they are reported in the
// response. Everything past input checks is a 500.
func (s *Server) handleScan(c *gin.Context) {
	var req scan.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		abortDetail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := s.deps.Scanner.Scan(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch errs.GetKind(err) {
		case errs.KindInvalidInput:
			status = http.StatusBadRequest
		case errs.KindAuthentication:
			status = http.StatusUnauthorized
		}
		respondError(c, status, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GET /reports/:cid
func (s *Server) handleReport(c *gin.Context) {
	cid := c.Param("cid")
	rep, err := s.deps.Fetcher.Fetch(c.Request.Context(), cid)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cid": cid, "report": rep})
}

// GET /tx/:hash
func (s *Server) handleTxStatus(c *gin.Context) {
	raw, err := hexutil.Decode(c.Param("hash"))
	if err != nil || len(raw) != common.HashLength {
		abortDetail(c, http.StatusBadRequest, "transaction hash must be 0x-prefixed 32-byte hex")
		return
	}
	hash := common.BytesToHash(raw)

	conf, err := s.deps.Ledger.Status(c.Request.Context(), hash)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}

	if s.deps.Journal != nil && (conf.Status == ledger.TxConfirmed || conf.Status == ledger.TxReverted) {
		changed, err := s.deps.Journal.UpdateStatus(c.Request.Context(), hash.Hex(), string(conf.Status))
		if err != nil {
			s.logger.Warn("Journal status update for %s failed: %v", hash.Hex(), err)
		} else if changed {
			s.logger.Info("Transaction %s settled as %s", hash.Hex(), conf.Status)
		}
	}
	c.JSON(http.StatusOK, conf)
}

func fromBlockQuery(c *gin.Context) (uint64, bool) {
	q := c.Query("from_block")
	if q == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(q, 10, 64)
	if err != nil {
		abortDetail(c, http.StatusBadRequest, "from_block must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// GET /registrations?from_block=
func (s *Server) handleRegistrations(c *gin.Context) {
	from, ok := fromBlockQuery(c)
	if !ok {
		return
	}
	records, err := s.deps.Ledger.Registrations(c.Request.Context(), from)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	if records == nil {
		records = []ledger.RegistrationRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"from_block":    from,
		"count":         len(records),
		"registrations": records,
	})
}

// GET /registrations/total
func (s *Server) handleTotal(c *gin.Context) {
	total, err := s.deps.Ledger.TotalReports(c.Request.Context())
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total})
}

type verifyRequest struct {
	FromBlock uint64 `json:"from_block"`
}

type verifyResponse struct {
	OK bool `json:"ok"`
	*verify.Report
}

// POST /verify
func (s *Server) handleVerify(c *gin.Context) {
	if s.deps.Verifier == nil {
		abortDetail(c, http.StatusServiceUnavailable, "verification is not configured")
		return
	}

	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abortDetail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rep, err := s.deps.Verifier.Verify(c.Request.Context(), req.FromBlock)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	s.deps.Audit.Verify(rep)
	c.JSON(http.StatusOK, verifyResponse{OK: rep.OK(), Report: rep})
}
