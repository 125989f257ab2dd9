package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
)

const (
	statusFileName = "status.json"
	lockFileName   = ".lock"

	// DefaultStaleAfter is how old a lock or fetching status may be
	// before it is treated as abandoned.
	DefaultStaleAfter = 30 * time.Minute
)

// Manager owns the on-disk snapshot layout
// <base>/<district>/<YYYY-MM-DD>/<source>/ and coordinates concurrent
// fetches through an exclusive-create lock file plus a status.json state
// machine (fetching -> complete | failed).
type Manager struct {
	basePath   string
	staleAfter time.Duration
	now        func() time.Time
	log        *logger.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStaleAfter overrides the staleness window.
func WithStaleAfter(d time.Duration) ManagerOption {
	return func(m *Manager) { m.staleAfter = d }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager rooted at basePath, creating the root
// directory if needed.
func NewManager(basePath string, log *logger.Logger, opts ...ManagerOption) (*Manager, error) {
	if log == nil {
		log = logger.GetDefault()
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot base dir: %w", err)
	}
	m := &Manager{
		basePath:   basePath,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		log:        log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the directory for one snapshot key.
func (m *Manager) Dir(key domain.SnapshotKey) string {
	return filepath.Join(m.basePath, strconv.Itoa(key.DistrictID), key.Date, string(key.SourceType))
}

func (m *Manager) statusPath(key domain.SnapshotKey) string {
	return filepath.Join(m.Dir(key), statusFileName)
}

func (m *Manager) lockPath(key domain.SnapshotKey) string {
	return filepath.Join(m.Dir(key), lockFileName)
}

// Get reads the status document for a key. Returns nil when the snapshot
// is absent or its status file is unreadable.
func (m *Manager) Get(key domain.SnapshotKey) *domain.Snapshot {
	data, err := os.ReadFile(m.statusPath(key))
	if err != nil {
		return nil
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.log.WithError(err).WithField("path", m.statusPath(key)).Error("Unreadable snapshot status")
		return nil
	}
	return &snap
}

// GetLatest scans date directories for a district in descending order and
// returns the most recent complete snapshot, or nil. Used as a fallback
// when today's snapshot does not exist yet.
func (m *Manager) GetLatest(districtID int, source domain.SourceType) *domain.Snapshot {
	districtDir := filepath.Join(m.basePath, strconv.Itoa(districtID))
	entries, err := os.ReadDir(districtDir)
	if err != nil {
		return nil
	}

	dates := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			dates = append(dates, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	for _, date := range dates {
		snap := m.Get(domain.SnapshotKey{DistrictID: districtID, Date: date, SourceType: source})
		if snap != nil && snap.Status == domain.StatusComplete {
			return snap
		}
	}
	return nil
}

// IsInProgress reports whether a fetch currently holds this key. A lock
// older than the staleness window is deleted as a side effect and treated
// as absent; a `fetching` status older than the window is treated as
// absent but left on disk (the next Initialize overwrites it).
func (m *Manager) IsInProgress(key domain.SnapshotKey) bool {
	lockPath := m.lockPath(key)
	if data, err := os.ReadFile(lockPath); err == nil {
		var lock domain.SnapshotLock
		if err := json.Unmarshal(data, &lock); err != nil {
			m.log.WithError(err).WithField("path", lockPath).Error("Unreadable lock file")
			return false
		}

		age := m.now().Sub(lock.StartedAt)
		if age > m.staleAfter {
			m.log.WithFields(logger.Fields{
				logger.FieldDistrictID:   key.DistrictID,
				logger.FieldSnapshotDate: key.Date,
				logger.FieldSourceType:   string(key.SourceType),
				"age_minutes":            age.Minutes(),
			}).Warn("Stale lock detected, removing")
			_ = os.Remove(lockPath)
			return false
		}

		m.log.WithFields(logger.Fields{
			logger.FieldDistrictID: key.DistrictID,
			logger.FieldSessionID:  lock.SessionID,
			"age_minutes":          age.Minutes(),
		}).Info("Snapshot fetch in progress")
		return true
	}

	snap := m.Get(key)
	if snap != nil && snap.Status == domain.StatusFetching {
		age := m.now().Sub(snap.StartedAt)
		if age > m.staleAfter {
			m.log.WithFields(logger.Fields{
				logger.FieldDistrictID:   key.DistrictID,
				logger.FieldSnapshotDate: key.Date,
				"age_minutes":            age.Minutes(),
			}).Warn("Stale fetching status detected")
			return false
		}
		return true
	}
	return false
}

// Initialize atomically acquires the lock and writes an initial fetching
// status. Returns false without side effects if a fetch is already in
// progress or the lock is held.
func (m *Manager) Initialize(key domain.SnapshotKey, sessionID string) bool {
	if m.IsInProgress(key) {
		m.log.WithFields(logger.Fields{
			logger.FieldDistrictID:   key.DistrictID,
			logger.FieldSnapshotDate: key.Date,
			logger.FieldSourceType:   string(key.SourceType),
		}).Warn("Snapshot already in progress")
		return false
	}

	if !m.createLock(key, sessionID) {
		return false
	}

	snap := &domain.Snapshot{
		DistrictID:       key.DistrictID,
		SnapshotDate:     key.Date,
		SourceType:       key.SourceType,
		Status:           domain.StatusFetching,
		StartedAt:        m.now(),
		CompletedAt:      nil,
		FetchedBySession: sessionID,
		Files:            map[string]domain.FileMetadata{},
		FetchStats:       domain.FetchStats{Errors: []domain.FetchError{}},
	}
	if err := m.writeStatus(key, snap); err != nil {
		m.log.WithError(err).Error("Failed to write initial snapshot status")
		m.releaseLock(key)
		return false
	}

	m.log.WithFields(logger.Fields{
		logger.FieldDistrictID:   key.DistrictID,
		logger.FieldSnapshotDate: key.Date,
		logger.FieldSourceType:   string(key.SourceType),
		logger.FieldSessionID:    sessionID,
	}).Info("Snapshot initialized")
	return true
}

// createLock creates the lock file with an exclusive-create open, closing
// the race between existence check and creation.
func (m *Manager) createLock(key domain.SnapshotKey, sessionID string) bool {
	lockPath := m.lockPath(key)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		m.log.WithError(err).Error("Failed to create snapshot directory")
		return false
	}

	file, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			m.log.WithFields(logger.Fields{
				logger.FieldDistrictID:   key.DistrictID,
				logger.FieldSnapshotDate: key.Date,
			}).Warn("Lock already exists")
			return false
		}
		m.log.WithError(err).Error("Failed to create lock file")
		return false
	}
	defer file.Close()

	lock := domain.SnapshotLock{
		SessionID: sessionID,
		StartedAt: m.now(),
		PID:       os.Getpid(),
	}
	if err := json.NewEncoder(file).Encode(&lock); err != nil {
		m.log.WithError(err).Error("Failed to write lock payload")
		_ = os.Remove(lockPath)
		return false
	}
	return true
}

func (m *Manager) releaseLock(key domain.SnapshotKey) {
	if err := os.Remove(m.lockPath(key)); err == nil {
		m.log.WithFields(logger.Fields{
			logger.FieldDistrictID:   key.DistrictID,
			logger.FieldSnapshotDate: key.Date,
			logger.FieldSourceType:   string(key.SourceType),
		}).Info("Lock released")
	}
}

func (m *Manager) writeStatus(key domain.SnapshotKey, snap *domain.Snapshot) error {
	path := m.statusPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Complete transitions the snapshot to complete, records file metadata
// and fetch stats, computes the elapsed duration, and releases the lock.
func (m *Manager) Complete(key domain.SnapshotKey, files map[string]domain.FileMetadata, stats domain.FetchStats) error {
	snap := m.Get(key)
	if snap == nil {
		return fmt.Errorf("cannot complete snapshot: status not found for %s", m.Dir(key))
	}

	completedAt := m.now()
	snap.Status = domain.StatusComplete
	snap.CompletedAt = &completedAt
	snap.Files = files
	snap.FetchStats = stats
	snap.FetchStats.DurationSeconds = int(completedAt.Sub(snap.StartedAt).Seconds())

	if err := m.writeStatus(key, snap); err != nil {
		return err
	}
	m.releaseLock(key)

	m.log.WithFields(logger.Fields{
		logger.FieldDistrictID:   key.DistrictID,
		logger.FieldSnapshotDate: key.Date,
		logger.FieldSourceType:   string(key.SourceType),
		"duration_seconds":       snap.FetchStats.DurationSeconds,
	}).Info("Snapshot completed")
	return nil
}

// Fail appends a timestamped error, transitions the snapshot to failed,
// and releases the lock.
func (m *Manager) Fail(key domain.SnapshotKey, errMsg string) error {
	snap := m.Get(key)
	if snap == nil {
		return fmt.Errorf("cannot fail snapshot: status not found for %s", m.Dir(key))
	}

	completedAt := m.now()
	snap.Status = domain.StatusFailed
	snap.CompletedAt = &completedAt
	snap.FetchStats.Errors = append(snap.FetchStats.Errors, domain.FetchError{
		Timestamp: completedAt,
		Message:   errMsg,
	})

	if err := m.writeStatus(key, snap); err != nil {
		return err
	}
	m.releaseLock(key)

	m.log.WithFields(logger.Fields{
		logger.FieldDistrictID:   key.DistrictID,
		logger.FieldSnapshotDate: key.Date,
		logger.FieldSourceType:   string(key.SourceType),
		"error":                  errMsg,
	}).Error("Snapshot failed")
	return nil
}

// CleanupPartial removes every file in the snapshot directory except the
// status file and the lock, so a retry never sees stale partial entity
// files. Idempotent: a directory holding only status/lock is a no-op.
func (m *Manager) CleanupPartial(key domain.SnapshotKey) error {
	dir := m.Dir(key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == statusFileName || name == lockFileName {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("remove partial file %s: %w", name, err)
		}
	}

	m.log.WithFields(logger.Fields{
		logger.FieldDistrictID:   key.DistrictID,
		logger.FieldSnapshotDate: key.Date,
	}).Info("Partial snapshot cleaned up")
	return nil
}

// CleanupOld deletes entire date directories for a district older than
// retentionDays. Directories whose name is not a date are skipped.
func (m *Manager) CleanupOld(districtID, retentionDays int) (int, error) {
	districtDir := filepath.Join(m.basePath, strconv.Itoa(districtID))
	entries, err := os.ReadDir(districtDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := m.now().AddDate(0, 0, -retentionDays)
	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		date, err := time.Parse("2006-01-02", entry.Name())
		if err != nil {
			m.log.WithField("dir_name", entry.Name()).Warn("Invalid date directory name")
			continue
		}
		if date.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(districtDir, entry.Name())); err != nil {
				return removed, err
			}
			removed++
			m.log.WithFields(logger.Fields{
				logger.FieldDistrictID:   districtID,
				logger.FieldSnapshotDate: entry.Name(),
			}).Info("Removed old snapshot")
		}
	}
	return removed, nil
}
