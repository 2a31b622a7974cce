// Package store provides the abstraction and implementation for persisting
// closed usage sessions and alert events. The current implementation uses
// an in-memory backend with TTL and maxItems limits; the design allows
// future backends such as SQLite without changing the rest of the engine.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
)

// Store is the history interface used by the usage tracker, the discovery
// worker and the alert manager. All operations are safe to be called from
// concurrent goroutines.
type Store interface {
	// RecordUsageSession persists one closed usage session.
	RecordUsageSession(ctx context.Context, session model.UsageSession) error

	// RecordAlertEvent persists one alert occurrence, suppressed or not.
	RecordAlertEvent(ctx context.Context, alertEvent model.AlertEvent) error

	// QueryAlertEvents returns alert events matching the query constraints,
	// ordered by occurrence time ascending.
	QueryAlertEvents(ctx context.Context, query AlertQuery) ([]model.AlertEvent, error)

	// QueryUsageSessions returns closed sessions matching the query
	// constraints, ordered by start time ascending.
	QueryUsageSessions(ctx context.Context, query SessionQuery) ([]model.UsageSession, error)

	// Vacuum removes expired entries. If TTL is not configured it is a no-op.
	Vacuum(ctx context.Context) error
}

// AlertQuery defines constraints used when selecting alert events.
type AlertQuery struct {
	// RuleName restricts results to one rule when non-empty.
	RuleName string

	// Since is an optional lower bound on the occurrence time.
	Since *time.Time

	// Limit is an optional maximum number of results.
	// If Limit <= 0, no explicit limit is applied.
	Limit int
}

// SessionQuery defines constraints used when selecting usage sessions.
type SessionQuery struct {
	// HardwareAddr restricts results to one device when non-empty.
	HardwareAddr string

	// Since is an optional lower bound on the session start time.
	Since *time.Time

	// Limit is an optional maximum number of results.
	// If Limit <= 0, no explicit limit is applied.
	Limit int
}

// -----------------------------------------------------------------------------
// In-memory implementation
// -----------------------------------------------------------------------------

// memoryStore keeps history in memory. It is suitable for a single-home
// deployment where history only needs to survive as long as the process.
type memoryStore struct {
	mutexForEntries sync.RWMutex
	sessions        []sessionEntry
	alerts          []alertEntry

	maxItems int           // per entry kind; 0 or negative means "no explicit limit"
	ttl      time.Duration // 0 means "no TTL"
}

type sessionEntry struct {
	session       model.UsageSession
	insertionTime time.Time
}

type alertEntry struct {
	alertEvent    model.AlertEvent
	insertionTime time.Time
}

// NewMemoryStore creates an in-memory history store.
func NewMemoryStore(maxItems int, ttlSeconds int) Store {
	var ttlDuration time.Duration
	if ttlSeconds > 0 {
		ttlDuration = time.Duration(ttlSeconds) * time.Second
	}

	logger.StoreLog.Infof("using in-memory history store (maxItems=%d, ttlSec=%d)",
		maxItems, ttlSeconds)

	return &memoryStore{
		sessions: make([]sessionEntry, 0),
		alerts:   make([]alertEntry, 0),
		maxItems: maxItems,
		ttl:      ttlDuration,
	}
}

// RecordUsageSession appends one closed session to the store.
func (store *memoryStore) RecordUsageSession(ctx context.Context, session model.UsageSession) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	now := time.Now()

	store.mutexForEntries.Lock()
	defer store.mutexForEntries.Unlock()

	if store.ttl > 0 {
		store.removeExpiredLocked(now)
	}

	store.sessions = append(store.sessions, sessionEntry{
		session:       session,
		insertionTime: now,
	})

	if store.maxItems > 0 && len(store.sessions) > store.maxItems {
		overflow := len(store.sessions) - store.maxItems
		logger.StoreLog.Warnf(
			"session history reached maxItems=%d, dropping oldest %d entries",
			store.maxItems, overflow,
		)
		store.sessions = store.sessions[overflow:]
	}

	return nil
}

// RecordAlertEvent appends one alert occurrence to the store.
func (store *memoryStore) RecordAlertEvent(ctx context.Context, alertEvent model.AlertEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	now := time.Now()

	store.mutexForEntries.Lock()
	defer store.mutexForEntries.Unlock()

	if store.ttl > 0 {
		store.removeExpiredLocked(now)
	}

	store.alerts = append(store.alerts, alertEntry{
		alertEvent:    alertEvent,
		insertionTime: now,
	})

	if store.maxItems > 0 && len(store.alerts) > store.maxItems {
		overflow := len(store.alerts) - store.maxItems
		logger.StoreLog.Warnf(
			"alert history reached maxItems=%d, dropping oldest %d entries",
			store.maxItems, overflow,
		)
		store.alerts = store.alerts[overflow:]
	}

	return nil
}

// QueryAlertEvents scans the in-memory slice and returns a filtered copy.
func (store *memoryStore) QueryAlertEvents(
	ctx context.Context,
	query AlertQuery,
) ([]model.AlertEvent, error) {
	now := time.Now()

	store.mutexForEntries.RLock()
	defer store.mutexForEntries.RUnlock()

	results := make([]model.AlertEvent, 0)

	for _, entry := range store.alerts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if store.ttl > 0 && now.Sub(entry.insertionTime) > store.ttl {
			// expired; skip here, and let Vacuum() clean it from the slice.
			continue
		}

		alertEvent := entry.alertEvent

		if query.RuleName != "" && alertEvent.RuleName != query.RuleName {
			continue
		}

		if query.Since != nil && alertEvent.Timestamp.Before(*query.Since) {
			continue
		}

		results = append(results, alertEvent)

		if query.Limit > 0 && len(results) >= query.Limit {
			break
		}
	}

	return results, nil
}

// QueryUsageSessions scans the in-memory slice and returns a filtered copy.
func (store *memoryStore) QueryUsageSessions(
	ctx context.Context,
	query SessionQuery,
) ([]model.UsageSession, error) {
	now := time.Now()

	store.mutexForEntries.RLock()
	defer store.mutexForEntries.RUnlock()

	results := make([]model.UsageSession, 0)

	for _, entry := range store.sessions {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if store.ttl > 0 && now.Sub(entry.insertionTime) > store.ttl {
			continue
		}

		session := entry.session

		if query.HardwareAddr != "" && session.HardwareAddr != query.HardwareAddr {
			continue
		}

		if query.Since != nil && session.StartedAt.Before(*query.Since) {
			continue
		}

		results = append(results, session)

		if query.Limit > 0 && len(results) >= query.Limit {
			break
		}
	}

	return results, nil
}

// Vacuum removes expired entries according to TTL. It is safe to call this
// periodically; if TTL is not configured, it becomes a no-op.
func (store *memoryStore) Vacuum(ctx context.Context) error {
	if store.ttl <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	now := time.Now()

	store.mutexForEntries.Lock()
	defer store.mutexForEntries.Unlock()

	beforeCount := len(store.sessions) + len(store.alerts)
	store.removeExpiredLocked(now)
	afterCount := len(store.sessions) + len(store.alerts)

	if beforeCount != afterCount {
		logger.StoreLog.Debugf(
			"vacuum removed %d expired entrie(s) from memory store",
			beforeCount-afterCount,
		)
	}

	return nil
}

// removeExpiredLocked is a helper that assumes mutexForEntries is already held.
func (store *memoryStore) removeExpiredLocked(referenceTime time.Time) {
	if store.ttl <= 0 {
		return
	}

	if len(store.sessions) > 0 {
		filteredSessions := store.sessions[:0]
		for _, entry := range store.sessions {
			if referenceTime.Sub(entry.insertionTime) <= store.ttl {
				filteredSessions = append(filteredSessions, entry)
			}
		}
		store.sessions = filteredSessions
	}

	if len(store.alerts) > 0 {
		filteredAlerts := store.alerts[:0]
		for _, entry := range store.alerts {
			if referenceTime.Sub(entry.insertionTime) <= store.ttl {
				filteredAlerts = append(filteredAlerts, entry)
			}
		}
		store.alerts = filteredAlerts
	}
}
