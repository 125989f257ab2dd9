package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/oneroster"
	"github.com/bookmarked/rostercache/internal/repository"
	"github.com/bookmarked/rostercache/internal/snapshot"
)

// SnapshotHandler handles snapshot-related endpoints.
type SnapshotHandler struct {
	manager  *snapshot.Manager
	fetcher  *snapshot.Fetcher
	client   *oneroster.Client
	sessions *repository.FetchSessionRepository
}

// NewSnapshotHandler creates a new snapshot handler. sessions may be nil
// when the audit database is disabled.
func NewSnapshotHandler(manager *snapshot.Manager, fetcher *snapshot.Fetcher, client *oneroster.Client, sessions *repository.FetchSessionRepository) *SnapshotHandler {
	return &SnapshotHandler{
		manager:  manager,
		fetcher:  fetcher,
		client:   client,
		sessions: sessions,
	}
}

func districtParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("district"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid district id",
		})
		return 0, false
	}
	return id, true
}

func sourceQuery(c *gin.Context) domain.SourceType {
	source := domain.SourceType(c.Query("source"))
	if source == "" {
		return domain.SourceClassLink
	}
	return source
}

// bearerToken extracts the upstream token from the Authorization header.
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// FetchRequest is the body of POST /api/v1/snapshots/:district/fetch.
type FetchRequest struct {
	AppID string `json:"app_id" binding:"required"`
	Date  string `json:"date"`
}

// TriggerFetch handles POST /api/v1/snapshots/:district/fetch.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SnapshotHandler) TriggerFetch(c *gin.Context) {
	districtID, ok := districtParam(c)
	if !ok {
		return
	}

	var req FetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	sessionID, err := h.fetcher.CreateSnapshotAsync(snapshot.FetchParams{
		DistrictID:  districtID,
		BearerToken: bearerToken(c),
		AppID:       req.AppID,
		Date:        req.Date,
		SourceType:  sourceQuery(c),
	})
	if err != nil {
		switch {
		case errors.Is(err, snapshot.ErrAlreadyInProgress):
			c.JSON(http.StatusConflict, gin.H{
				"error": "A snapshot fetch is already in progress for this district",
			})
		case errors.Is(err, snapshot.ErrMissingCredentials):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Bearer token and app_id are required",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to start fetch: " + err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": sessionID,
		"status":     "fetching",
	})
}

// GetSnapshot handles GET /api/v1/snapshots/:district. Without a date
// query it returns the latest complete snapshot; with one it returns
// that date's status whatever its state.
func (h *SnapshotHandler) GetSnapshot(c *gin.Context) {
	districtID, ok := districtParam(c)
	if !ok {
		return
	}
	source := sourceQuery(c)

	if date := c.Query("date"); date != "" {
		snap := h.manager.Get(domain.SnapshotKey{DistrictID: districtID, Date: date, SourceType: source})
		if snap == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "No snapshot for this date",
			})
			return
		}
		c.JSON(http.StatusOK, snap)
		return
	}

	snap := h.manager.GetLatest(districtID, source)
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "No complete snapshot available",
		})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Search handles GET /api/v1/snapshots/:district/search. It searches the
// latest complete snapshot unless a date query pins a specific one.
func (h *SnapshotHandler) Search(c *gin.Context) {
	districtID, ok := districtParam(c)
	if !ok {
		return
	}

	term := c.Query("q")
	if term == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Query parameter 'q' is required",
		})
		return
	}
	entity := domain.EntityType(c.DefaultQuery("entity", string(domain.EntityStudents)))

	key, found := h.resolveKey(c, districtID)
	if !found {
		return
	}

	results := h.manager.Search(key, entity, term)
	c.JSON(http.StatusOK, gin.H{
		"snapshot_date": key.Date,
		"entity":        entity,
		"results":       results,
		"total":         len(results),
	})
}

// ParentChildren handles GET /api/v1/snapshots/:district/parents/:id/children.
func (h *SnapshotHandler) ParentChildren(c *gin.Context) {
	districtID, ok := districtParam(c)
	if !ok {
		return
	}
	parentID := c.Param("id")

	key, found := h.resolveKey(c, districtID)
	if !found {
		return
	}

	children := h.manager.ParentChildren(key, parentID)
	c.JSON(http.StatusOK, gin.H{
		"snapshot_date": key.Date,
		"parent_id":     parentID,
		"children":      children,
		"total":         len(children),
	})
}

// resolveKey picks the snapshot a read endpoint operates on: the date
// query if present, otherwise the latest complete snapshot. Writes a 404
// and returns false when nothing is available.
func (h *SnapshotHandler) resolveKey(c *gin.Context, districtID int) (domain.SnapshotKey, bool) {
	source := sourceQuery(c)
	if date := c.Query("date"); date != "" {
		return domain.SnapshotKey{DistrictID: districtID, Date: date, SourceType: source}, true
	}
	snap := h.manager.GetLatest(districtID, source)
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "No complete snapshot available",
		})
		return domain.SnapshotKey{}, false
	}
	return domain.SnapshotKey{DistrictID: districtID, Date: snap.SnapshotDate, SourceType: source}, true
}

// DeleteOld handles DELETE /api/v1/snapshots/:district. The
// retention_days query overrides the configured default.
func (h *SnapshotHandler) DeleteOld(c *gin.Context) {
	districtID, ok := districtParam(c)
	if !ok {
		return
	}

	retentionDays := 30
	if v := c.Query("retention_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "retention_days must be a positive integer",
			})
			return
		}
		retentionDays = days
	}

	removed, err := h.manager.CleanupOld(districtID, retentionDays)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Cleanup failed: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"removed":        removed,
		"retention_days": retentionDays,
	})
}

// ListSessions handles GET /api/v1/snapshots/:district/sessions.
func (h *SnapshotHandler) ListSessions(c *gin.Context) {
	districtID, ok := districtParam(c)
	if !ok {
		return
	}
	if h.sessions == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Session history is not enabled",
		})
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	sessions, err := h.sessions.ListByDistrict(c.Request.Context(), districtID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list sessions: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// TestConnection handles GET /api/v1/upstream/test. It verifies the
// management API credentials without touching any district data.
func (h *SnapshotHandler) TestConnection(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Authorization bearer token is required",
		})
		return
	}

	ok, message, count := h.client.TestConnection(c.Request.Context(), token)
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{
		"ok":           ok,
		"message":      message,
		"applications": count,
	})
}
