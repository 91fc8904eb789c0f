package threads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/dbpilot/internal/agent"
	"github.com/haasonsaas/dbpilot/internal/audit"
	"github.com/haasonsaas/dbpilot/internal/observability"
)

// ErrThreadCreationFailed is returned when no backend thread could be created
// or persisted for a user.
var ErrThreadCreationFailed = errors.New("thread creation failed")

// ThreadBackend is the subset of the agent backend the Manager needs.
type ThreadBackend interface {
	CreateThread(ctx context.Context, metadata map[string]any) (*agent.Thread, error)
	RetrieveThread(ctx context.Context, threadID string) (*agent.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// Manager resolves the one live backend thread of each user.
type Manager struct {
	backend ThreadBackend
	store   Store
	locker  *Locker
	now     func() time.Time

	logger  *observability.Logger
	metrics *observability.Metrics
	audit   *audit.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *observability.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records thread lifecycle counters.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithAuditLogger records thread lifecycle events.
func WithAuditLogger(logger *audit.Logger) ManagerOption {
	return func(m *Manager) { m.audit = logger }
}

// WithLocker shares a Locker with other components.
func WithLocker(locker *Locker) ManagerOption {
	return func(m *Manager) {
		if locker != nil {
			m.locker = locker
		}
	}
}

// NewManager creates a Manager. A nil store keeps mappings in memory.
func NewManager(backend ThreadBackend, store Store, opts ...ManagerOption) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		backend: backend,
		store:   store,
		locker:  NewLocker(),
		now:     time.Now,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve returns the user's thread id, creating a backend thread when the
// user has none or the stored one no longer exists. Concurrent calls for the
// same user return the same id.
func (m *Manager) Resolve(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrThreadCreationFailed)
	}
	ctx = observability.AddUserID(ctx, userID)

	unlock, err := m.locker.Lock(ctx, "user:"+userID)
	if err != nil {
		return "", err
	}
	defer unlock()

	cached, err := m.store.Get(ctx, userID)
	switch {
	case err == nil:
		if threadID, ok := m.checkLive(ctx, cached); ok {
			return threadID, nil
		}
	case errors.Is(err, ErrNotFound):
	default:
		// An unreadable store must not strand the user; a fresh thread
		// replaces whatever mapping it held.
		m.logger.Warn(ctx, "thread store read failed", "error", err)
	}

	return m.create(ctx, userID)
}

// checkLive reports whether the cached thread can still be used.
func (m *Manager) checkLive(ctx context.Context, cached *Thread) (string, bool) {
	ctx = observability.AddThreadID(ctx, cached.ThreadID)
	_, err := m.backend.RetrieveThread(ctx, cached.ThreadID)
	if err == nil {
		return cached.ThreadID, true
	}

	if !errors.Is(err, agent.ErrBackendNotFound) && agent.Retryable(err) {
		m.logger.Warn(ctx, "thread liveness check failed, keeping cached thread", "error", err)
		return cached.ThreadID, true
	}

	m.logger.Info(ctx, "cached thread is gone, replacing it", "error", err)
	if err := m.store.Delete(ctx, cached.UserID); err != nil {
		m.logger.Warn(ctx, "evict thread mapping failed", "error", err)
	}
	m.metrics.RecordThreadEvent("evicted")
	m.audit.LogThread(ctx, audit.EventThreadEvicted, cached.UserID, cached.ThreadID, err)
	return "", false
}

func (m *Manager) create(ctx context.Context, userID string) (string, error) {
	createdAt := m.now().UTC()
	thread, err := m.backend.CreateThread(ctx, map[string]any{
		"user_id":    userID,
		"created_at": createdAt.Format(time.RFC3339),
	})
	if err != nil {
		m.metrics.RecordThreadEvent("create_failed")
		m.audit.LogThread(ctx, audit.EventThreadCreated, userID, "", err)
		return "", fmt.Errorf("%w: %w", ErrThreadCreationFailed, err)
	}
	if thread == nil || thread.ID == "" {
		m.metrics.RecordThreadEvent("create_failed")
		return "", fmt.Errorf("%w: backend returned no thread id", ErrThreadCreationFailed)
	}

	ctx = observability.AddThreadID(ctx, thread.ID)
	if err := m.store.Set(ctx, &Thread{UserID: userID, ThreadID: thread.ID, CreatedAt: createdAt}); err != nil {
		m.metrics.RecordThreadEvent("create_failed")
		return "", fmt.Errorf("%w: persist mapping: %w", ErrThreadCreationFailed, err)
	}

	m.metrics.RecordThreadEvent("created")
	m.audit.LogThread(ctx, audit.EventThreadCreated, userID, thread.ID, nil)
	m.logger.Info(ctx, "thread created")
	return thread.ID, nil
}

// Reset forgets the user's thread so the next Resolve starts a new one. The
// backend thread is deleted on a best-effort basis once any turn running on
// it has finished; failures are only logged.
func (m *Manager) Reset(ctx context.Context, userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	ctx = observability.AddUserID(ctx, userID)

	unlock, err := m.locker.Lock(ctx, "user:"+userID)
	if err != nil {
		// Eviction still happens; only the ordering guarantee is lost.
		m.logger.Warn(ctx, "reset proceeding without thread lock", "error", err)
		unlock = func() {}
	}
	defer unlock()

	cached, err := m.store.Get(ctx, userID)
	var threadID string
	var deleteErr error
	switch {
	case err == nil:
		threadID = cached.ThreadID
		deleteErr = m.deleteBackendThread(ctx, threadID)
	case errors.Is(err, ErrNotFound):
	default:
		m.logger.Warn(ctx, "thread store read failed during reset", "error", err)
	}

	if err := m.store.Delete(ctx, userID); err != nil {
		m.logger.Warn(ctx, "delete thread mapping failed", "error", err)
	}
	m.metrics.RecordThreadEvent("reset")
	m.audit.LogThread(ctx, audit.EventThreadReset, userID, threadID, deleteErr)
}

// deleteBackendThread waits for the thread's turn lock so a run in progress
// is never deleted from under its driver. A missing thread is not an error.
func (m *Manager) deleteBackendThread(ctx context.Context, threadID string) error {
	unlock, err := m.locker.Lock(ctx, ThreadLockKey(threadID))
	if err != nil {
		m.logger.Warn(ctx, "backend thread delete skipped, turn still running", "thread_id", threadID, "error", err)
		return err
	}
	defer unlock()

	err = m.backend.DeleteThread(ctx, threadID)
	if err != nil && !errors.Is(err, agent.ErrBackendNotFound) {
		m.logger.Warn(ctx, "backend thread delete failed", "thread_id", threadID, "error", err)
		return err
	}
	return nil
}

// ThreadLockKey is the Locker key that serializes turns on one thread.
func ThreadLockKey(threadID string) string {
	return "thread:" + threadID
}

// Lookup returns the stored thread id without checking or creating anything.
func (m *Manager) Lookup(ctx context.Context, userID string) (string, bool) {
	cached, err := m.store.Get(ctx, userID)
	if err != nil {
		return "", false
	}
	return cached.ThreadID, true
}

// Locker returns the locker used for per-user serialization.
func (m *Manager) Locker() *Locker {
	return m.locker
}
