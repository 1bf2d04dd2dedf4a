package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chainlog-io/chainlog/internal/custody/service"
	"github.com/chainlog-io/chainlog/internal/keyring"
	"github.com/chainlog-io/chainlog/pkg/signing"
)

// KeysHandler exposes keyring inspection and rotation, plus detached
// signatures over arbitrary documents.
type KeysHandler struct {
	keys   *keyring.Manager
	svc    *service.Custody
	tokens *keyring.TokenIssuer
	logger *zap.Logger
}

// NewKeysHandler creates a new KeysHandler.
func NewKeysHandler(keys *keyring.Manager, svc *service.Custody, tokens *keyring.TokenIssuer, logger *zap.Logger) *KeysHandler {
	return &KeysHandler{keys: keys, svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the key and signature routes on the given router group.
func (h *KeysHandler) Register(rg *gin.RouterGroup) {
	k := rg.Group("/keys")
	{
		k.GET("", h.List)
		k.GET("/:name", h.GetKey)
		k.POST("", requireAdmin(h.tokens), h.Create)
		k.POST("/:name/rotate", requireAdmin(h.tokens), h.Rotate)
	}
	rg.POST("/sign", requireToken(h.tokens), h.Sign)
	rg.POST("/verify-signature", h.VerifySignature)
}

type createKeyRequest struct {
	Name string `json:"name" binding:"required"`
}

type signRequest struct {
	KeyName string `json:"key_name" binding:"required"`
	Payload any    `json:"payload"`
}

// List handles GET /keys — returns the public half of every keypair.
func (h *KeysHandler) List(c *gin.Context) {
	infos, err := h.keys.List()
	if err != nil {
		h.logger.Error("list keys", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}
	if infos == nil {
		infos = []keyring.Info{}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  infos,
		"count": len(infos),
	})
}

// GetKey handles GET /keys/:name — returns one keypair's public fields.
func (h *KeysHandler) GetKey(c *gin.Context) {
	kp, err := h.keys.Load(c.Param("name"))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "keypair not found"})
		return
	}
	if err != nil {
		h.logger.Error("load key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load keypair"})
		return
	}

	c.JSON(http.StatusOK, kp.Info())
}

// Create handles POST /keys — generates a new named keypair.
func (h *KeysHandler) Create(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	kp, err := h.keys.Generate(req.Name)
	switch {
	case err == nil:
	case errors.Is(err, keyring.ErrKeyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, keyring.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		h.logger.Error("generate key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate keypair"})
		return
	}

	c.JSON(http.StatusCreated, kp.Info())
}

// Rotate handles POST /keys/:name/rotate — archives the current keypair
// and generates its replacement.
func (h *KeysHandler) Rotate(c *gin.Context) {
	name := c.Param("name")

	info, err := h.svc.RotateKey(c.Request.Context(), name)
	switch {
	case err == nil:
	case errors.Is(err, keyring.ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "keypair not found"})
		return
	case errors.Is(err, keyring.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		h.logger.Error("rotate key", zap.String("name", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate keypair"})
		return
	}

	c.JSON(http.StatusOK, info)
}

// Sign handles POST /sign — signs an arbitrary document with a named key
// and returns the signed payload envelope.
func (h *KeysHandler) Sign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key_name is required"})
		return
	}

	sp, err := h.svc.SignPayload(req.KeyName, req.Payload)
	switch {
	case err == nil:
	case errors.Is(err, keyring.ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "keypair not found"})
		return
	case errors.Is(err, service.ErrNoKeyring):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		h.logger.Error("sign payload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign payload"})
		return
	}

	c.JSON(http.StatusOK, sp)
}

// VerifySignature handles POST /verify-signature — checks a signed payload
// envelope. A failed signature is a 200 with valid=false.
func (h *KeysHandler) VerifySignature(c *gin.Context) {
	var sp signing.SignedPayload
	if err := c.ShouldBindJSON(&sp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signed payload: " + err.Error()})
		return
	}

	if err := signing.VerifyPayload(&sp); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}
