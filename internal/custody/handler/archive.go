package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chainlog-io/chainlog/internal/custody/repository"
	"github.com/chainlog-io/chainlog/internal/custody/service"
)

// ArchiveHandler exposes the Postgres query mirror. The mirror serves
// reporting traffic only; chain verification never reads from it.
type ArchiveHandler struct {
	svc    *service.Custody
	logger *zap.Logger
}

// NewArchiveHandler creates a new ArchiveHandler.
func NewArchiveHandler(svc *service.Custody, logger *zap.Logger) *ArchiveHandler {
	return &ArchiveHandler{svc: svc, logger: logger}
}

// Register mounts the archive routes on the given router group. The
// routes answer 503 when the daemon runs without a database.
func (h *ArchiveHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/archive")
	{
		a.GET("", h.List)
		a.GET("/latest", h.Latest)
	}
}

// List handles GET /archive — pages through mirrored entries, optionally
// restricted to a [from, to) timestamp window in epoch seconds.
func (h *ArchiveHandler) List(c *gin.Context) {
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

	if c.Query("from") != "" || c.Query("to") != "" {
		from, err := parseEpoch(c.Query("from"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be epoch seconds"})
			return
		}
		to, err := parseEpoch(c.Query("to"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be epoch seconds"})
			return
		}

		rows, err := h.svc.ArchivedRange(c.Request.Context(), from, to, limit)
		if err != nil {
			h.archiveError(c, "list archive range", err)
			return
		}
		if rows == nil {
			rows = []*repository.ArchivedEntry{}
		}
		c.JSON(http.StatusOK, gin.H{"entries": rows, "count": len(rows)})
		return
	}

	rows, total, err := h.svc.ArchivedEntries(c.Request.Context(), limit, offset)
	if err != nil {
		h.archiveError(c, "list archive", err)
		return
	}
	if rows == nil {
		rows = []*repository.ArchivedEntry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": rows,
		"count":   len(rows),
		"total":   total,
	})
}

// Latest handles GET /archive/latest — returns the most recently
// mirrored entry.
func (h *ArchiveHandler) Latest(c *gin.Context) {
	row, err := h.svc.ArchivedLatest(c.Request.Context())
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive is empty"})
		return
	}
	if err != nil {
		h.archiveError(c, "latest archived entry", err)
		return
	}

	c.JSON(http.StatusOK, row)
}

func (h *ArchiveHandler) archiveError(c *gin.Context, op string, err error) {
	if errors.Is(err, service.ErrNoArchive) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive not configured"})
		return
	}
	h.logger.Error(op, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read archive"})
}

func parseEpoch(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
