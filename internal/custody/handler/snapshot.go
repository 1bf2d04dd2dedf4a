package handler

import (
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chainlog-io/chainlog/internal/custody/service"
	"github.com/chainlog-io/chainlog/internal/keyring"
	"github.com/chainlog-io/chainlog/pkg/signing"
)

// SnapshotHandler exposes signed snapshot export and verification.
type SnapshotHandler struct {
	svc    *service.Custody
	tokens *keyring.TokenIssuer
	logger *zap.Logger
}

// NewSnapshotHandler creates a new SnapshotHandler.
func NewSnapshotHandler(svc *service.Custody, tokens *keyring.TokenIssuer, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the snapshot routes on the given router group.
func (h *SnapshotHandler) Register(rg *gin.RouterGroup) {
	s := rg.Group("/snapshots")
	{
		s.POST("", requireToken(h.tokens), h.Export)
		s.POST("/verify", h.Verify)
	}
}

type exportRequest struct {
	OutputPath string `json:"output_path"`
	KeyName    string `json:"key_name"`
	KeyHex     string `json:"key_hex"`
}

type verifySnapshotRequest struct {
	SnapshotPath  string `json:"snapshot_path" binding:"required"`
	SignaturePath string `json:"signature_path"`
}

// Export handles POST /snapshots — writes a signed snapshot of the full
// chain. All request fields are optional; an empty body exports to the
// configured snapshot directory under an ephemeral key.
func (h *SnapshotHandler) Export(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	res, err := h.svc.Export(c.Request.Context(), req.OutputPath, req.KeyName, req.KeyHex)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrAmbiguousKey),
		errors.Is(err, service.ErrNoKeyring),
		errors.Is(err, signing.ErrInvalidKeyEncoding),
		errors.Is(err, signing.ErrInvalidKeySize):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, keyring.ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	default:
		h.logger.Error("snapshot export", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export snapshot"})
		return
	}

	RecordSnapshotExport()
	c.JSON(http.StatusCreated, res)
}

// Verify handles POST /snapshots/verify — checks a snapshot file against
// its detached signature. A failed signature is a 200 with valid=false.
func (h *SnapshotHandler) Verify(c *gin.Context) {
	var req verifySnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "snapshot_path is required"})
		return
	}

	err := h.svc.VerifySnapshot(req.SnapshotPath, req.SignaturePath)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}
