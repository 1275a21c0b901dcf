// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Store is an in-memory monitor.Store.
type Store struct {
	mu          sync.RWMutex
	targets     map[string]monitor.Target
	changes     []monitor.ChangeRecord
	sessions    map[string]monitor.CrawlSession
	alerts      []monitor.ChangeAlert
	alertByRec  map[string]struct{}
	prefs       map[string]monitor.NotificationPreferences
	deliveries  []monitor.DeliveryRecord
	insertOrder int64
	changeSeq   map[string]int64
}

var _ monitor.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		targets:    make(map[string]monitor.Target),
		sessions:   make(map[string]monitor.CrawlSession),
		alertByRec: make(map[string]struct{}),
		prefs:      make(map[string]monitor.NotificationPreferences),
		changeSeq:  make(map[string]int64),
	}
}

// UpsertTarget creates or replaces a target.
func (s *Store) UpsertTarget(_ context.Context, target monitor.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.targets[target.ID]; ok && existing.OwnerID != target.OwnerID {
		return fmt.Errorf("upsert target %s: %w", target.ID, monitor.ErrForbidden)
	}
	s.targets[target.ID] = target
	return nil
}

// GetTarget fetches a target owned by ownerID.
func (s *Store) GetTarget(_ context.Context, ownerID, targetID string) (monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.targets[targetID]
	if !ok || target.OwnerID != ownerID {
		return monitor.Target{}, fmt.Errorf("get target %s: %w", targetID, monitor.ErrNotFound)
	}
	return target, nil
}

// ListActiveTargets returns every active, unpaused target.
func (s *Store) ListActiveTargets(_ context.Context) ([]monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Target, 0, len(s.targets))
	for _, target := range s.targets {
		if target.Active && !target.Paused {
			out = append(out, target)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TouchTarget sets LastCheckedAt.
func (s *Store) TouchTarget(_ context.Context, ownerID, targetID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[targetID]
	if !ok || target.OwnerID != ownerID {
		return fmt.Errorf("touch target %s: %w", targetID, monitor.ErrNotFound)
	}
	target.LastCheckedAt = pointerTime(at)
	s.targets[targetID] = target
	return nil
}

// DeleteTarget removes the target row. Children are removed by teardown.
func (s *Store) DeleteTarget(_ context.Context, ownerID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[targetID]
	if !ok || target.OwnerID != ownerID {
		return fmt.Errorf("delete target %s: %w", targetID, monitor.ErrNotFound)
	}
	delete(s.targets, targetID)
	return nil
}

// InsertChange appends a change record.
func (s *Store) InsertChange(_ context.Context, record monitor.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.changeSeq[record.ID]; exists {
		return fmt.Errorf("insert change %s: %w", record.ID, monitor.ErrAlreadyExists)
	}
	s.insertOrder++
	s.changeSeq[record.ID] = s.insertOrder
	s.changes = append(s.changes, record)
	return nil
}

// LatestChange returns the newest non-checking record for the target.
func (s *Store) LatestChange(_ context.Context, targetID, pageURL string) (monitor.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest monitor.ChangeRecord
		found  bool
	)
	for _, rec := range s.changes {
		if rec.TargetID != targetID || rec.Status == monitor.StatusChecking {
			continue
		}
		if pageURL != "" && rec.PageURL != pageURL {
			continue
		}
		if !found || s.newer(rec, latest) {
			latest = rec
			found = true
		}
	}
	if !found {
		return monitor.ChangeRecord{}, fmt.Errorf("latest change for %s: %w", targetID, monitor.ErrNotFound)
	}
	return latest, nil
}

// ListChanges returns the target's records, newest first.
func (s *Store) ListChanges(_ context.Context, ownerID, targetID string, limit int) ([]monitor.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.ChangeRecord, 0)
	for _, rec := range s.changes {
		if rec.TargetID == targetID && rec.OwnerID == ownerID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return s.newer(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CheckingPlaceholders returns the target's checking placeholders.
func (s *Store) CheckingPlaceholders(_ context.Context, targetID string) ([]monitor.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.ChangeRecord
	for _, rec := range s.changes {
		if rec.TargetID == targetID && rec.Status == monitor.StatusChecking {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteCheckingPlaceholders removes every checking placeholder of the target.
func (s *Store) DeleteCheckingPlaceholders(_ context.Context, targetID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeChanges(func(rec monitor.ChangeRecord) bool {
		return rec.TargetID == targetID && rec.Status == monitor.StatusChecking
	}, 0), nil
}

// DeleteChangesBatch removes up to limit records of the target.
func (s *Store) DeleteChangesBatch(_ context.Context, targetID string, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeChanges(func(rec monitor.ChangeRecord) bool {
		return rec.TargetID == targetID
	}, limit), nil
}

// CreateSession stores a new crawl session.
func (s *Store) CreateSession(_ context.Context, session monitor.CrawlSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("create session %s: %w", session.ID, monitor.ErrAlreadyExists)
	}
	s.sessions[session.ID] = session
	return nil
}

// UpdateSession replaces a crawl session.
func (s *Store) UpdateSession(_ context.Context, session monitor.CrawlSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return fmt.Errorf("update session %s: %w", session.ID, monitor.ErrNotFound)
	}
	s.sessions[session.ID] = session
	return nil
}

// GetSession fetches a crawl session by ID.
func (s *Store) GetSession(_ context.Context, sessionID string) (monitor.CrawlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return monitor.CrawlSession{}, fmt.Errorf("get session %s: %w", sessionID, monitor.ErrNotFound)
	}
	return session, nil
}

// ActiveSession returns the most recent running session for the target.
func (s *Store) ActiveSession(_ context.Context, targetID string) (monitor.CrawlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		active monitor.CrawlSession
		found  bool
	)
	for _, session := range s.sessions {
		if session.TargetID != targetID || session.Status != monitor.SessionRunning {
			continue
		}
		if !found || session.StartedAt.After(active.StartedAt) {
			active = session
			found = true
		}
	}
	if !found {
		return monitor.CrawlSession{}, fmt.Errorf("active session for %s: %w", targetID, monitor.ErrNotFound)
	}
	return active, nil
}

// DeleteSessionsBatch removes up to limit sessions of the target.
func (s *Store) DeleteSessionsBatch(_ context.Context, targetID string, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for id, session := range s.sessions {
		if session.TargetID == targetID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		delete(s.sessions, id)
	}
	return len(ids), nil
}

// CreateAlert stores an alert, at most one per change record.
func (s *Store) CreateAlert(_ context.Context, alert monitor.ChangeAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alertByRec[alert.ChangeRecordID]; exists {
		return fmt.Errorf("create alert for %s: %w", alert.ChangeRecordID, monitor.ErrAlreadyExists)
	}
	s.alertByRec[alert.ChangeRecordID] = struct{}{}
	s.alerts = append(s.alerts, alert)
	return nil
}

// ListAlerts returns the owner's alerts, newest first.
func (s *Store) ListAlerts(_ context.Context, ownerID string, unreadOnly bool) ([]monitor.ChangeAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.ChangeAlert, 0)
	for i := len(s.alerts) - 1; i >= 0; i-- {
		alert := s.alerts[i]
		if alert.OwnerID != ownerID || (unreadOnly && alert.Read) {
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

// MarkAlertRead flags an alert as read.
func (s *Store) MarkAlertRead(_ context.Context, ownerID, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == alertID && s.alerts[i].OwnerID == ownerID {
			s.alerts[i].Read = true
			return nil
		}
	}
	return fmt.Errorf("mark alert %s: %w", alertID, monitor.ErrNotFound)
}

// DeleteAlertsBatch removes up to limit alerts of the target.
func (s *Store) DeleteAlertsBatch(_ context.Context, targetID string, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.alerts[:0]
	removed := 0
	for _, alert := range s.alerts {
		if alert.TargetID == targetID && (limit <= 0 || removed < limit) {
			delete(s.alertByRec, alert.ChangeRecordID)
			removed++
			continue
		}
		kept = append(kept, alert)
	}
	s.alerts = kept
	return removed, nil
}

// GetPreferences returns the owner's preferences or ErrNotFound.
func (s *Store) GetPreferences(_ context.Context, ownerID string) (monitor.NotificationPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefs, ok := s.prefs[ownerID]
	if !ok {
		return monitor.NotificationPreferences{}, fmt.Errorf("get preferences %s: %w", ownerID, monitor.ErrNotFound)
	}
	return prefs, nil
}

// PutPreferences stores the owner's preferences.
func (s *Store) PutPreferences(_ context.Context, prefs monitor.NotificationPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[prefs.OwnerID] = prefs
	return nil
}

// RecordDelivery appends a delivery log entry.
func (s *Store) RecordDelivery(_ context.Context, record monitor.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, record)
	return nil
}

// ListDeliveries returns the target's delivery log in insertion order.
func (s *Store) ListDeliveries(_ context.Context, ownerID, targetID string) ([]monitor.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.DeliveryRecord, 0)
	for _, rec := range s.deliveries {
		if rec.OwnerID == ownerID && rec.TargetID == targetID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteDeliveriesBatch removes up to limit delivery entries of the target.
func (s *Store) DeleteDeliveriesBatch(_ context.Context, targetID string, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.deliveries[:0]
	removed := 0
	for _, rec := range s.deliveries {
		if rec.TargetID == targetID && (limit <= 0 || removed < limit) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.deliveries = kept
	return removed, nil
}

// newer orders records by scrape time, then insertion order. Callers hold mu.
func (s *Store) newer(a, b monitor.ChangeRecord) bool {
	if !a.ScrapedAt.Equal(b.ScrapedAt) {
		return a.ScrapedAt.After(b.ScrapedAt)
	}
	return s.changeSeq[a.ID] > s.changeSeq[b.ID]
}

// removeChanges deletes matching records, at most limit when limit > 0.
func (s *Store) removeChanges(match func(monitor.ChangeRecord) bool, limit int) int {
	kept := s.changes[:0]
	removed := 0
	for _, rec := range s.changes {
		if match(rec) && (limit <= 0 || removed < limit) {
			delete(s.changeSeq, rec.ID)
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.changes = kept
	return removed
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
