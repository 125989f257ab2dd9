package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/bookmarked/rostercache/internal/domain"
)

// FetchSessionRepository records the audit trail of triggered snapshot
// builds. The on-disk status file remains the source of truth for
// snapshot state; these rows answer "who triggered what, when, and how
// did it end" without walking the snapshot tree.
type FetchSessionRepository struct {
	db *gorm.DB
}

// NewFetchSessionRepository creates a repository bound to db.
func NewFetchSessionRepository(db *gorm.DB) *FetchSessionRepository {
	return &FetchSessionRepository{db: db}
}

// Create inserts a new running session row.
func (r *FetchSessionRepository) Create(ctx context.Context, session *domain.FetchSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

// GetByID retrieves a session by its ID.
func (r *FetchSessionRepository) GetByID(ctx context.Context, id string) (*domain.FetchSession, error) {
	var session domain.FetchSession
	if err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// ListByDistrict returns the most recent sessions for a district.
func (r *FetchSessionRepository) ListByDistrict(ctx context.Context, districtID, limit int) ([]domain.FetchSession, error) {
	if limit <= 0 {
		limit = 20
	}
	var sessions []domain.FetchSession
	err := r.db.WithContext(ctx).
		Where("district_id = ?", districtID).
		Order("created_at DESC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// MarkCompleted records a successful outcome with final counters.
func (r *FetchSessionRepository) MarkCompleted(ctx context.Context, id string, totalRecords, totalAPICalls int) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&domain.FetchSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          domain.SessionCompleted,
			"total_records":   totalRecords,
			"total_api_calls": totalAPICalls,
			"completed_at":    &now,
		}).Error
}

// MarkFailed records a failed outcome with the error message.
func (r *FetchSessionRepository) MarkFailed(ctx context.Context, id, errMsg string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&domain.FetchSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.SessionFailed,
			"error_log":    errMsg,
			"completed_at": &now,
		}).Error
}
