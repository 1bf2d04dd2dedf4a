// Package handler exposes the custody API over HTTP using Gin.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chainlog-io/chainlog/internal/custody/service"
	"github.com/chainlog-io/chainlog/internal/keyring"
)

// LedgerHandler exposes the chain itself: appending entries, reading them
// back and running integrity audits.
type LedgerHandler struct {
	svc    *service.Custody
	tokens *keyring.TokenIssuer
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(svc *service.Custody, tokens *keyring.TokenIssuer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the entry and chain routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	e := rg.Group("/entries")
	{
		e.POST("", requireToken(h.tokens), h.Append)
		e.GET("", h.List)
		e.GET("/:idx", h.GetEntry)
	}
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
	}
	rg.GET("/custody/status", h.Status)
}

// Append handles POST /entries — records an arbitrary JSON document as the
// next chain entry.
func (h *LedgerHandler) Append(c *gin.Context) {
	var payload any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be valid JSON"})
		return
	}

	entry, err := h.svc.Record(c.Request.Context(), payload)
	if err != nil {
		h.logger.Error("append entry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append entry"})
		return
	}

	c.JSON(http.StatusCreated, entry)
}

// List handles GET /entries — returns entries in chain order.
func (h *LedgerHandler) List(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}

	entries, total, err := h.svc.History(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
		"total":   total,
	})
}

// GetEntry handles GET /entries/:idx — returns the entry at a zero-based
// chain index.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	entry, err := h.svc.EntryAt(c.Request.Context(), idx)
	if errors.Is(err, service.ErrEntryNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	if err != nil {
		h.logger.Error("get entry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}

	c.JSON(http.StatusOK, entry)
}

// Overview handles GET /ledger — returns the chain length and current root
// hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	count, root, err := h.svc.Overview(c.Request.Context())
	if err != nil {
		h.logger.Error("ledger overview", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"root":    root,
	})
}

// Verify handles GET /ledger/verify — walks the full chain and reports
// integrity. A tampered chain is a 200 with valid=false; only an I/O
// failure is an error status.
func (h *LedgerHandler) Verify(c *gin.Context) {
	report, err := h.svc.Audit(c.Request.Context())
	if err != nil {
		h.logger.Error("chain audit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}

	if !report.Valid {
		h.logger.Warn("chain integrity check failed",
			zap.String("reason", report.Reason))
	}
	RecordAuditCheck(report.Valid, report.Entries)
	c.JSON(http.StatusOK, report)
}

// Status handles GET /custody/status — summarizes the custody subsystems.
func (h *LedgerHandler) Status(c *gin.Context) {
	st, err := h.svc.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("custody status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read custody status"})
		return
	}

	c.JSON(http.StatusOK, st)
}
