package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/metrics"
	"github.com/bookmarked/rostercache/internal/oneroster"
)

var (
	// ErrAlreadyInProgress signals a concurrency conflict: another fetch
	// holds the snapshot key. Distinct from a failure; no fetch was
	// attempted.
	ErrAlreadyInProgress = errors.New("snapshot: fetch already in progress")

	// ErrMissingCredentials signals a configuration error caught before
	// any lock was created.
	ErrMissingCredentials = errors.New("snapshot: bearer token and application id are required")
)

// RosterAPI is the upstream surface the fetcher consumes; satisfied by
// *oneroster.Client and by test doubles.
type RosterAPI interface {
	ResolveCredentials(ctx context.Context, bearerToken, appID string) (*domain.Credentials, error)
	FetchPage(ctx context.Context, creds *domain.Credentials, entity oneroster.APIEntity, limit, offset int) ([]domain.Record, error)
}

// SessionRecorder is the audit-trail surface the fetcher reports to.
// Optional; a nil recorder disables the audit log.
type SessionRecorder interface {
	Create(ctx context.Context, session *domain.FetchSession) error
	MarkCompleted(ctx context.Context, id string, totalRecords, totalAPICalls int) error
	MarkFailed(ctx context.Context, id, errMsg string) error
}

// FetcherConfig holds tuning knobs for a Fetcher.
type FetcherConfig struct {
	PageSize      int
	PageDelay     time.Duration
	FetchDeadline time.Duration
}

// Fetcher orchestrates one complete snapshot build: paginate every entity
// type through the roster client, stream results into the Writer, and
// drive the Manager's state transitions.
type Fetcher struct {
	manager  *Manager
	client   RosterAPI
	sessions SessionRecorder
	archiver *Archiver

	pageSize      int
	pageDelay     time.Duration
	fetchDeadline time.Duration
	now           func() time.Time
	log           *logger.Logger
}

// NewFetcher creates a Fetcher. sessions and archiver may be nil.
func NewFetcher(manager *Manager, client RosterAPI, sessions SessionRecorder, archiver *Archiver, cfg *FetcherConfig, log *logger.Logger) *Fetcher {
	if log == nil {
		log = logger.GetDefault()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 2000
	}
	pageDelay := cfg.PageDelay
	if pageDelay < 0 {
		pageDelay = 0
	}
	deadline := cfg.FetchDeadline
	if deadline <= 0 {
		deadline = DefaultStaleAfter
	}
	return &Fetcher{
		manager:       manager,
		client:        client,
		sessions:      sessions,
		archiver:      archiver,
		pageSize:      pageSize,
		pageDelay:     pageDelay,
		fetchDeadline: deadline,
		now:           time.Now,
		log:           log,
	}
}

// fetchCounters tracks progress across all entity fetches of one build.
type fetchCounters struct {
	apiCalls int
	errors   []domain.FetchError
}

func (c *fetchCounters) recordError(now time.Time, format string, args ...interface{}) {
	c.errors = append(c.errors, domain.FetchError{
		Timestamp: now,
		Message:   fmt.Sprintf(format, args...),
	})
}

// FetchParams identifies one snapshot build request.
type FetchParams struct {
	DistrictID  int
	BearerToken string
	AppID       string
	SessionID   string
	Date        string            // YYYY-MM-DD; empty means today
	SourceType  domain.SourceType // empty means classlink
}

func (p *FetchParams) normalize(now time.Time) {
	if p.Date == "" {
		p.Date = now.Format("2006-01-02")
	}
	if p.SourceType == "" {
		p.SourceType = domain.SourceClassLink
	}
	if p.SessionID == "" {
		p.SessionID = uuid.New().String()
	}
}

// Key returns the snapshot key the params address.
func (p *FetchParams) Key() domain.SnapshotKey {
	return domain.SnapshotKey{DistrictID: p.DistrictID, Date: p.Date, SourceType: p.SourceType}
}

// fetchAllEntity pages through one entity type until a short or empty
// page. Page-level errors abort pagination for this entity only; the
// error is recorded in counters but the overall fetch continues with
// whatever was accumulated (deliberate best-effort policy).
func (f *Fetcher) fetchAllEntity(ctx context.Context, creds *domain.Credentials, entity oneroster.APIEntity, counters *fetchCounters) []domain.Record {
	var all []domain.Record
	offset := 0
	page := 1

	for {
		records, err := f.client.FetchPage(ctx, creds, entity, f.pageSize, offset)
		if err != nil {
			f.log.WithError(err).WithFields(logger.Fields{
				logger.FieldEntityType: string(entity),
				"page":                 page,
				"offset":               offset,
			}).Error("Page fetch failed, stopping pagination for entity")
			counters.recordError(f.now(), "%s page %d fetch failed: %v", entity, page, err)
			break
		}

		f.log.WithFields(logger.Fields{
			logger.FieldEntityType: string(entity),
			"page":                 page,
			"records":              len(records),
			"total":                len(all) + len(records),
		}).Info("Page fetched")

		if len(records) == 0 {
			break
		}
		// Only pages that returned data count toward the recorded
		// API calls; trailing empty probes and failed pages do not.
		counters.apiCalls++
		all = append(all, records...)
		if len(records) < f.pageSize {
			// Short page signals the last page
			break
		}

		offset += f.pageSize
		page++

		// Throttle between pages; also the cooperative cancellation
		// point for stuck-fetch recovery.
		select {
		case <-ctx.Done():
			counters.recordError(f.now(), "%s pagination cancelled after page %d: %v", entity, page-1, ctx.Err())
			return all
		case <-time.After(f.pageDelay):
		}
	}

	return all
}

// fetchAllUsers pages through the users endpoint with no role filter.
func (f *Fetcher) fetchAllUsers(ctx context.Context, creds *domain.Credentials, counters *fetchCounters) []domain.Record {
	return f.fetchAllEntity(ctx, creds, oneroster.APIUsers, counters)
}

// CreateSnapshot runs one complete snapshot build synchronously. For
// every Initialize that returns true, exactly one of Complete or Fail is
// invoked before this function returns.
func (f *Fetcher) CreateSnapshot(ctx context.Context, p FetchParams) error {
	if p.BearerToken == "" || p.AppID == "" {
		return ErrMissingCredentials
	}
	p.normalize(f.now())
	key := p.Key()

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldDistrictID:   key.DistrictID,
		logger.FieldSnapshotDate: key.Date,
		logger.FieldSourceType:   string(key.SourceType),
		logger.FieldSessionID:    p.SessionID,
	})
	logger.CtxInfo(ctx, "Starting snapshot creation")

	if !f.manager.Initialize(key, p.SessionID) {
		metrics.SnapshotsTotal.WithLabelValues("rejected").Inc()
		return ErrAlreadyInProgress
	}

	f.recordSessionStart(ctx, p)

	settled := false
	defer func() {
		// Initialize succeeded, so a panic anywhere below would
		// otherwise abandon a fetching snapshot with a held lock.
		if r := recover(); r != nil {
			if !settled {
				f.settleFailure(ctx, key, p.SessionID, fmt.Sprintf("panic during fetch: %v", r))
			}
			panic(r)
		}
	}()

	start := f.now()
	if err := f.buildSnapshot(ctx, p, key); err != nil {
		f.settleFailure(ctx, key, p.SessionID, err.Error())
		settled = true
		return err
	}
	settled = true

	duration := f.now().Sub(start)
	metrics.SnapshotsTotal.WithLabelValues("complete").Inc()
	metrics.SnapshotDuration.Observe(duration.Seconds())
	logger.With(logger.Fields{logger.FieldStatus: string(domain.StatusComplete)}).
		WithDuration(duration.Milliseconds()).
		Info(ctx, "Snapshot created")
	return nil
}

// buildSnapshot performs the fetch/classify/write sequence. Any returned
// error is fatal for the whole snapshot.
func (f *Fetcher) buildSnapshot(ctx context.Context, p FetchParams, key domain.SnapshotKey) error {
	creds, err := f.client.ResolveCredentials(ctx, p.BearerToken, p.AppID)
	if err != nil {
		return fmt.Errorf("resolve district credentials: %w", err)
	}

	counters := &fetchCounters{}

	allUsers := f.fetchAllUsers(ctx, creds, counters)

	var students, parents []domain.Record
	for _, user := range allUsers {
		switch user.Role() {
		case domain.RoleStudent:
			students = append(students, user)
		case domain.RoleParent, domain.RoleGuardian:
			parents = append(parents, user)
		}
	}
	logger.CtxInfo(ctx, "Users categorized: total=%d students=%d parents=%d",
		len(allUsers), len(students), len(parents))

	classes := f.fetchAllEntity(ctx, creds, oneroster.APIClasses, counters)
	schools := f.fetchAllEntity(ctx, creds, oneroster.APIOrgs, counters)

	writer, err := NewWriter(f.manager.Dir(key), f.log)
	if err != nil {
		return err
	}

	files := map[string]domain.FileMetadata{}
	groups := []struct {
		entity  domain.EntityType
		records []domain.Record
	}{
		{domain.EntityStudents, students},
		{domain.EntityParents, parents},
		{domain.EntityClasses, classes},
		{domain.EntitySchools, schools},
	}
	totalRecords := 0
	for _, group := range groups {
		if len(group.records) == 0 {
			continue
		}
		meta, err := writer.WriteEntity(group.entity, group.records)
		if err != nil {
			return fmt.Errorf("write %s: %w", group.entity, err)
		}
		files[string(group.entity)+".csv"] = *meta
		totalRecords += meta.Rows
	}

	stats := domain.FetchStats{
		TotalAPICalls: counters.apiCalls,
		TotalRecords:  len(allUsers) + len(classes) + len(schools),
		Errors:        counters.errors,
	}
	if stats.Errors == nil {
		stats.Errors = []domain.FetchError{}
	}

	if err := f.manager.Complete(key, files, stats); err != nil {
		return fmt.Errorf("complete snapshot: %w", err)
	}
	logger.With(logger.Fields{"api_calls": counters.apiCalls}).
		WithCount(totalRecords).
		Info(ctx, "Snapshot files written")

	if f.sessions != nil {
		if err := f.sessions.MarkCompleted(ctx, p.SessionID, totalRecords, counters.apiCalls); err != nil {
			logger.CtxWarn(ctx, "Failed to record session completion: %v", err)
		}
	}

	// Archive after completion; failure here never fails the snapshot.
	if f.archiver != nil {
		if err := f.archiver.ArchiveSnapshot(ctx, f.manager.Dir(key), key); err != nil {
			logger.CtxWarn(ctx, "Snapshot archive upload failed: %v", err)
		}
	}

	return nil
}

// settleFailure marks the snapshot failed and removes partial entity
// files so a retry starts clean.
func (f *Fetcher) settleFailure(ctx context.Context, key domain.SnapshotKey, sessionID, errMsg string) {
	logger.CtxError(ctx, "Snapshot creation failed: %s", errMsg)
	metrics.SnapshotsTotal.WithLabelValues("failed").Inc()

	if err := f.manager.Fail(key, errMsg); err != nil {
		logger.CtxError(ctx, "Failed to mark snapshot failed: %v", err)
	}
	if err := f.manager.CleanupPartial(key); err != nil {
		logger.CtxError(ctx, "Failed to clean up partial snapshot: %v", err)
	}
	if f.sessions != nil {
		if err := f.sessions.MarkFailed(ctx, sessionID, errMsg); err != nil {
			logger.CtxWarn(ctx, "Failed to record session failure: %v", err)
		}
	}
}

func (f *Fetcher) recordSessionStart(ctx context.Context, p FetchParams) {
	if f.sessions == nil {
		return
	}
	now := f.now()
	session := &domain.FetchSession{
		ID:           p.SessionID,
		DistrictID:   p.DistrictID,
		SnapshotDate: p.Date,
		SourceType:   string(p.SourceType),
		Status:       domain.SessionRunning,
		StartedAt:    &now,
	}
	if err := f.sessions.Create(ctx, session); err != nil {
		logger.CtxWarn(ctx, "Failed to record fetch session: %v", err)
	}
}

// CreateSnapshotAsync validates inputs, rejects conflicts synchronously,
// and runs CreateSnapshot on a background goroutine with a deadline
// bounding stuck fetches. Returns the session id for later status polls;
// the status file is the only completion signal the caller gets.
func (f *Fetcher) CreateSnapshotAsync(p FetchParams) (string, error) {
	if p.BearerToken == "" || p.AppID == "" {
		return "", ErrMissingCredentials
	}
	p.normalize(f.now())

	if f.manager.IsInProgress(p.Key()) {
		metrics.SnapshotsTotal.WithLabelValues("rejected").Inc()
		return "", ErrAlreadyInProgress
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.fetchDeadline)
		defer cancel()
		if err := f.CreateSnapshot(ctx, p); err != nil {
			// Outcome already persisted to the status file; nothing to
			// surface to the (long gone) trigger caller.
			f.log.WithError(err).WithField(logger.FieldSessionID, p.SessionID).Error("Background snapshot fetch finished with error")
		}
	}()

	f.log.WithFields(logger.Fields{
		logger.FieldDistrictID: p.DistrictID,
		logger.FieldSessionID:  p.SessionID,
	}).Info("Snapshot creation started in background")
	return p.SessionID, nil
}
