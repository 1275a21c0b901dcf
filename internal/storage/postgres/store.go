// Package postgres provides the Postgres-backed document store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements monitor.Store on Postgres. Every table holds the JSON
// document plus the columns used for lookups.
type Store struct {
	db     DB
	logger *zap.Logger
}

var _ monitor.Store = (*Store)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, logger)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(db DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("postgres")}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// UpsertTarget creates or replaces a target. Replacing another owner's target
// returns ErrForbidden.
func (s *Store) UpsertTarget(ctx context.Context, target monitor.Target) error {
	doc, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	query := `
		INSERT INTO targets (id, owner_id, active, paused, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET active = EXCLUDED.active, paused = EXCLUDED.paused, doc = EXCLUDED.doc
		WHERE targets.owner_id = EXCLUDED.owner_id;
	`
	tag, err := s.db.Exec(ctx, query, target.ID, target.OwnerID, target.Active, target.Paused, doc)
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upsert target %s: %w", target.ID, monitor.ErrForbidden)
	}
	return nil
}

// GetTarget fetches a target owned by ownerID.
func (s *Store) GetTarget(ctx context.Context, ownerID, targetID string) (monitor.Target, error) {
	var target monitor.Target
	err := s.getDoc(ctx, &target, "get target "+targetID,
		`SELECT doc FROM targets WHERE id = $1 AND owner_id = $2;`, targetID, ownerID)
	return target, err
}

// ListActiveTargets returns every active, unpaused target.
func (s *Store) ListActiveTargets(ctx context.Context) ([]monitor.Target, error) {
	return listDocs[monitor.Target](ctx, s, "list active targets",
		`SELECT doc FROM targets WHERE active AND NOT paused ORDER BY id;`)
}

// TouchTarget sets LastCheckedAt.
func (s *Store) TouchTarget(ctx context.Context, ownerID, targetID string, at time.Time) error {
	stamp, err := json.Marshal(at.UTC())
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}
	query := `
		UPDATE targets
		SET doc = jsonb_set(doc, '{last_checked_at}', $3::jsonb)
		WHERE id = $1 AND owner_id = $2;
	`
	tag, err := s.db.Exec(ctx, query, targetID, ownerID, stamp)
	if err != nil {
		return fmt.Errorf("touch target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch target %s: %w", targetID, monitor.ErrNotFound)
	}
	return nil
}

// DeleteTarget removes the target row. Children are removed by teardown.
func (s *Store) DeleteTarget(ctx context.Context, ownerID, targetID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM targets WHERE id = $1 AND owner_id = $2;`, targetID, ownerID)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete target %s: %w", targetID, monitor.ErrNotFound)
	}
	return nil
}

// InsertChange appends a change record.
func (s *Store) InsertChange(ctx context.Context, record monitor.ChangeRecord) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal change record: %w", err)
	}
	query := `
		INSERT INTO change_records (id, target_id, owner_id, page_url, status, scraped_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	_, err = s.db.Exec(ctx, query,
		record.ID,
		record.TargetID,
		record.OwnerID,
		record.PageURL,
		string(record.Status),
		record.ScrapedAt,
		doc,
	)
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("insert change %s: %w", record.ID, monitor.ErrAlreadyExists)
		}
		return fmt.Errorf("insert change: %w", err)
	}
	return nil
}

// LatestChange returns the newest non-checking record for the target.
func (s *Store) LatestChange(ctx context.Context, targetID, pageURL string) (monitor.ChangeRecord, error) {
	query := `
		SELECT doc FROM change_records
		WHERE target_id = $1 AND status <> 'checking' AND ($2 = '' OR page_url = $2)
		ORDER BY scraped_at DESC, seq DESC
		LIMIT 1;
	`
	var record monitor.ChangeRecord
	err := s.getDoc(ctx, &record, "latest change for "+targetID, query, targetID, pageURL)
	return record, err
}

// ListChanges returns the target's records, newest first. A limit of zero
// returns all of them.
func (s *Store) ListChanges(ctx context.Context, ownerID, targetID string, limit int) ([]monitor.ChangeRecord, error) {
	query := `
		SELECT doc FROM change_records
		WHERE owner_id = $1 AND target_id = $2
		ORDER BY scraped_at DESC, seq DESC
		LIMIT $3;
	`
	return listDocs[monitor.ChangeRecord](ctx, s, "list changes", query, ownerID, targetID, limitArg(limit))
}

// CheckingPlaceholders returns the target's checking placeholders.
func (s *Store) CheckingPlaceholders(ctx context.Context, targetID string) ([]monitor.ChangeRecord, error) {
	query := `
		SELECT doc FROM change_records
		WHERE target_id = $1 AND status = 'checking'
		ORDER BY scraped_at;
	`
	return listDocs[monitor.ChangeRecord](ctx, s, "list checking placeholders", query, targetID)
}

// DeleteCheckingPlaceholders removes every checking placeholder of the target.
func (s *Store) DeleteCheckingPlaceholders(ctx context.Context, targetID string) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM change_records WHERE target_id = $1 AND status = 'checking';`, targetID)
	if err != nil {
		return 0, fmt.Errorf("delete checking placeholders: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteChangesBatch removes up to limit records of the target.
func (s *Store) DeleteChangesBatch(ctx context.Context, targetID string, limit int) (int, error) {
	return s.deleteBatch(ctx, tableChanges, targetID, limit)
}

// CreateSession stores a new crawl session.
func (s *Store) CreateSession(ctx context.Context, session monitor.CrawlSession) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	query := `
		INSERT INTO crawl_sessions (id, target_id, owner_id, status, started_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err = s.db.Exec(ctx, query, session.ID, session.TargetID, session.OwnerID, string(session.Status), session.StartedAt, doc)
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("create session %s: %w", session.ID, monitor.ErrAlreadyExists)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateSession replaces an existing session.
func (s *Store) UpdateSession(ctx context.Context, session monitor.CrawlSession) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE crawl_sessions SET status = $2, doc = $3 WHERE id = $1;`,
		session.ID, string(session.Status), doc)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update session %s: %w", session.ID, monitor.ErrNotFound)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (monitor.CrawlSession, error) {
	var session monitor.CrawlSession
	err := s.getDoc(ctx, &session, "get session "+sessionID, `SELECT doc FROM crawl_sessions WHERE id = $1;`, sessionID)
	return session, err
}

// ActiveSession returns the most recent running session for the target.
func (s *Store) ActiveSession(ctx context.Context, targetID string) (monitor.CrawlSession, error) {
	query := `
		SELECT doc FROM crawl_sessions
		WHERE target_id = $1 AND status = 'running'
		ORDER BY started_at DESC
		LIMIT 1;
	`
	var session monitor.CrawlSession
	err := s.getDoc(ctx, &session, "active session for "+targetID, query, targetID)
	return session, err
}

// DeleteSessionsBatch removes up to limit sessions of the target.
func (s *Store) DeleteSessionsBatch(ctx context.Context, targetID string, limit int) (int, error) {
	return s.deleteBatch(ctx, tableSessions, targetID, limit)
}

// CreateAlert stores an alert; a second alert for the same change record
// returns ErrAlreadyExists.
func (s *Store) CreateAlert(ctx context.Context, alert monitor.ChangeAlert) error {
	doc, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	query := `
		INSERT INTO change_alerts (id, target_id, owner_id, change_record_id, read, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	_, err = s.db.Exec(ctx, query, alert.ID, alert.TargetID, alert.OwnerID, alert.ChangeRecordID, alert.Read, alert.CreatedAt, doc)
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("create alert for %s: %w", alert.ChangeRecordID, monitor.ErrAlreadyExists)
		}
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

// ListAlerts returns the owner's alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, ownerID string, unreadOnly bool) ([]monitor.ChangeAlert, error) {
	query := `
		SELECT doc FROM change_alerts
		WHERE owner_id = $1 AND (NOT $2 OR NOT read)
		ORDER BY created_at DESC;
	`
	return listDocs[monitor.ChangeAlert](ctx, s, "list alerts", query, ownerID, unreadOnly)
}

// MarkAlertRead flags the alert as read.
func (s *Store) MarkAlertRead(ctx context.Context, ownerID, alertID string) error {
	query := `
		UPDATE change_alerts
		SET read = TRUE, doc = jsonb_set(doc, '{read}', 'true'::jsonb)
		WHERE id = $1 AND owner_id = $2;
	`
	tag, err := s.db.Exec(ctx, query, alertID, ownerID)
	if err != nil {
		return fmt.Errorf("mark alert read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark alert %s read: %w", alertID, monitor.ErrNotFound)
	}
	return nil
}

// DeleteAlertsBatch removes up to limit alerts of the target.
func (s *Store) DeleteAlertsBatch(ctx context.Context, targetID string, limit int) (int, error) {
	return s.deleteBatch(ctx, tableAlerts, targetID, limit)
}

// GetPreferences returns the owner's preferences or ErrNotFound.
func (s *Store) GetPreferences(ctx context.Context, ownerID string) (monitor.NotificationPreferences, error) {
	var prefs monitor.NotificationPreferences
	err := s.getDoc(ctx, &prefs, "get preferences "+ownerID,
		`SELECT doc FROM notification_preferences WHERE owner_id = $1;`, ownerID)
	return prefs, err
}

// PutPreferences stores the owner's preferences.
func (s *Store) PutPreferences(ctx context.Context, prefs monitor.NotificationPreferences) error {
	doc, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	query := `
		INSERT INTO notification_preferences (owner_id, doc)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET doc = EXCLUDED.doc;
	`
	if _, err := s.db.Exec(ctx, query, prefs.OwnerID, doc); err != nil {
		return fmt.Errorf("put preferences: %w", err)
	}
	return nil
}

// RecordDelivery appends a delivery log entry.
func (s *Store) RecordDelivery(ctx context.Context, record monitor.DeliveryRecord) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	query := `
		INSERT INTO delivery_records (id, target_id, owner_id, change_record_id, at, doc)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err = s.db.Exec(ctx, query, record.ID, record.TargetID, record.OwnerID, record.ChangeRecordID, record.At, doc)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns the target's delivery log, newest first.
func (s *Store) ListDeliveries(ctx context.Context, ownerID, targetID string) ([]monitor.DeliveryRecord, error) {
	query := `
		SELECT doc FROM delivery_records
		WHERE owner_id = $1 AND target_id = $2
		ORDER BY at DESC;
	`
	return listDocs[monitor.DeliveryRecord](ctx, s, "list deliveries", query, ownerID, targetID)
}

// DeleteDeliveriesBatch removes up to limit delivery records of the target.
func (s *Store) DeleteDeliveriesBatch(ctx context.Context, targetID string, limit int) (int, error) {
	return s.deleteBatch(ctx, tableDeliveries, targetID, limit)
}

const (
	tableChanges    = "change_records"
	tableSessions   = "crawl_sessions"
	tableAlerts     = "change_alerts"
	tableDeliveries = "delivery_records"
)

// deleteBatch removes up to limit rows of table belonging to targetID. table
// is always one of the constants above.
func (s *Store) deleteBatch(ctx context.Context, table, targetID string, limit int) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %[1]s WHERE id IN (SELECT id FROM %[1]s WHERE target_id = $1 LIMIT $2);`, table)
	tag, err := s.db.Exec(ctx, query, targetID, limitArg(limit))
	if err != nil {
		return 0, fmt.Errorf("delete %s batch: %w", table, err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.logger.Debug("deleted batch", zap.String("table", table), zap.String("target_id", targetID), zap.Int("rows", n))
	}
	return n, nil
}

func (s *Store) getDoc(ctx context.Context, dst any, what, query string, args ...any) error {
	var raw []byte
	if err := s.db.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s: %w", what, monitor.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", what, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s: decode document: %w", what, err)
	}
	return nil
}

func listDocs[T any](ctx context.Context, s *Store, what, query string, args ...any) ([]T, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%s: scan row: %w", what, err)
		}
		var doc T
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%s: decode document: %w", what, err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return out, nil
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Ping checks that the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}
