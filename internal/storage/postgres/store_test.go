package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

var now = time.Unix(1700000000, 0).UTC()

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, nil)
	require.NoError(t, err)
	return mock, store
}

func docRow(t *testing.T, docs ...any) *pgxmock.Rows {
	t.Helper()
	rows := pgxmock.NewRows([]string{"doc"})
	for _, d := range docs {
		raw, err := json.Marshal(d)
		require.NoError(t, err)
		rows.AddRow(raw)
	}
	return rows
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, nil)
	require.Error(t, err)
}

func TestMigrateAppliesEveryStatement(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTarget(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	target := monitor.Target{ID: "t1", OwnerID: "owner", URL: "https://example.com", Active: true}

	mock.ExpectExec(q("INSERT INTO targets")).
		WithArgs("t1", "owner", true, false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.UpsertTarget(context.Background(), target))

	target.OwnerID = "intruder"
	mock.ExpectExec(q("INSERT INTO targets")).
		WithArgs("t1", "intruder", true, false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	err := store.UpsertTarget(context.Background(), target)
	require.ErrorIs(t, err, monitor.ErrForbidden)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTarget(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	want := monitor.Target{ID: "t1", OwnerID: "owner", URL: "https://example.com", Kind: monitor.KindSinglePage, CheckIntervalMinutes: 30}
	mock.ExpectQuery(q("SELECT doc FROM targets WHERE id = $1 AND owner_id = $2")).
		WithArgs("t1", "owner").
		WillReturnRows(docRow(t, want))

	got, err := store.GetTarget(context.Background(), "owner", "t1")
	require.NoError(t, err)
	require.Equal(t, want, got)

	mock.ExpectQuery(q("SELECT doc FROM targets")).
		WithArgs("missing", "owner").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.GetTarget(context.Background(), "owner", "missing")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveTargets(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	mock.ExpectQuery(q("WHERE active AND NOT paused")).
		WillReturnRows(docRow(t, monitor.Target{ID: "a"}, monitor.Target{ID: "b"}))

	targets, err := store.ListActiveTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 2)
	require.Equal(t, "b", targets[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchTarget(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	mock.ExpectExec(q("jsonb_set(doc, '{last_checked_at}', $3::jsonb)")).
		WithArgs("t1", "owner", []byte(`"2023-11-14T22:13:20Z"`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.TouchTarget(context.Background(), "owner", "t1", now))

	mock.ExpectExec(q("UPDATE targets")).
		WithArgs("gone", "owner", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := store.TouchTarget(context.Background(), "owner", "gone", now)
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertChange(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	rec := monitor.ChangeRecord{
		ID:        "rec-1",
		TargetID:  "t1",
		OwnerID:   "owner",
		PageURL:   "https://example.com",
		Status:    monitor.StatusChanged,
		Diff:      &monitor.Diff{Text: "+x"},
		ScrapedAt: now,
	}
	mock.ExpectExec(q("INSERT INTO change_records")).
		WithArgs("rec-1", "t1", "owner", "https://example.com", "changed", now, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.InsertChange(context.Background(), rec))

	mock.ExpectExec(q("INSERT INTO change_records")).
		WithArgs("rec-1", "t1", "owner", "https://example.com", "changed", now, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	err := store.InsertChange(context.Background(), rec)
	require.ErrorIs(t, err, monitor.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestChange(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	want := monitor.ChangeRecord{ID: "rec-2", TargetID: "t1", Status: monitor.StatusSame, ScrapedAt: now}
	mock.ExpectQuery(q("status <> 'checking'")).
		WithArgs("t1", "https://example.com/about").
		WillReturnRows(docRow(t, want))

	got, err := store.LatestChange(context.Background(), "t1", "https://example.com/about")
	require.NoError(t, err)
	require.Equal(t, want, got)

	mock.ExpectQuery(q("FROM change_records")).
		WithArgs("t2", "").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.LatestChange(context.Background(), "t2", "")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListChangesLimit(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	mock.ExpectQuery(q("ORDER BY scraped_at DESC, seq DESC")).
		WithArgs("owner", "t1", 5).
		WillReturnRows(docRow(t, monitor.ChangeRecord{ID: "a"}))
	got, err := store.ListChanges(context.Background(), "owner", "t1", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)

	mock.ExpectQuery(q("ORDER BY scraped_at DESC, seq DESC")).
		WithArgs("owner", "t1", nil).
		WillReturnRows(pgxmock.NewRows([]string{"doc"}))
	got, err = store.ListChanges(context.Background(), "owner", "t1", 0)
	require.NoError(t, err)
	require.Empty(t, got)
	require.NotNil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckingPlaceholders(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	mock.ExpectQuery(q("status = 'checking'")).
		WithArgs("t1").
		WillReturnRows(docRow(t, monitor.ChangeRecord{ID: "ph", Status: monitor.StatusChecking}))
	held, err := store.CheckingPlaceholders(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, held, 1)

	mock.ExpectExec(q("DELETE FROM change_records WHERE target_id = $1 AND status = 'checking'")).
		WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	n, err := store.DeleteCheckingPlaceholders(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteBatches(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	ctx := context.Background()
	calls := []struct {
		table string
		fn    func(context.Context, string, int) (int, error)
	}{
		{"change_records", store.DeleteChangesBatch},
		{"crawl_sessions", store.DeleteSessionsBatch},
		{"change_alerts", store.DeleteAlertsBatch},
		{"delivery_records", store.DeleteDeliveriesBatch},
	}
	for i, c := range calls {
		mock.ExpectExec(q("DELETE FROM "+c.table+" WHERE id IN (SELECT id FROM "+c.table+" WHERE target_id = $1 LIMIT $2)")).
			WithArgs("t1", 20).
			WillReturnResult(pgxmock.NewResult("DELETE", int64(i)))
		n, err := c.fn(ctx, "t1", 20)
		require.NoError(t, err)
		require.Equal(t, i, n)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessions(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	ctx := context.Background()
	session := monitor.CrawlSession{ID: "s1", TargetID: "t1", OwnerID: "owner", Status: monitor.SessionRunning, State: monitor.StatePolling, StartedAt: now}

	mock.ExpectExec(q("INSERT INTO crawl_sessions")).
		WithArgs("s1", "t1", "owner", "running", now, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateSession(ctx, session))

	session.Status = monitor.SessionCompleted
	mock.ExpectExec(q("UPDATE crawl_sessions")).
		WithArgs("s1", "completed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateSession(ctx, session))

	mock.ExpectExec(q("UPDATE crawl_sessions")).
		WithArgs("nope", "completed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := store.UpdateSession(ctx, monitor.CrawlSession{ID: "nope", Status: monitor.SessionCompleted})
	require.ErrorIs(t, err, monitor.ErrNotFound)

	mock.ExpectQuery(q("status = 'running'")).
		WithArgs("t1").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.ActiveSession(ctx, "t1")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlerts(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	ctx := context.Background()
	alert := monitor.ChangeAlert{ID: "a1", TargetID: "t1", OwnerID: "owner", ChangeRecordID: "rec-1", CreatedAt: now}

	mock.ExpectExec(q("INSERT INTO change_alerts")).
		WithArgs("a1", "t1", "owner", "rec-1", false, now, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, store.CreateAlert(ctx, alert), monitor.ErrAlreadyExists)

	mock.ExpectQuery(q("(NOT $2 OR NOT read)")).
		WithArgs("owner", true).
		WillReturnRows(docRow(t, alert))
	alerts, err := store.ListAlerts(ctx, "owner", true)
	require.NoError(t, err)
	require.Equal(t, []monitor.ChangeAlert{alert}, alerts)

	mock.ExpectExec(q("SET read = TRUE")).
		WithArgs("a1", "owner").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkAlertRead(ctx, "owner", "a1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPreferences(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	ctx := context.Background()
	prefs := monitor.NotificationPreferences{OwnerID: "owner", AIAnalysisEnabled: true, MeaningfulThreshold: 70}

	mock.ExpectExec(q("ON CONFLICT (owner_id) DO UPDATE")).
		WithArgs("owner", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.PutPreferences(ctx, prefs))

	mock.ExpectQuery(q("FROM notification_preferences")).
		WithArgs("owner").
		WillReturnRows(docRow(t, prefs))
	got, err := store.GetPreferences(ctx, "owner")
	require.NoError(t, err)
	require.Equal(t, prefs, got)

	mock.ExpectQuery(q("FROM notification_preferences")).
		WithArgs("nobody").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.GetPreferences(ctx, "nobody")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveries(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	ctx := context.Background()
	rec := monitor.DeliveryRecord{ID: "d1", TargetID: "t1", OwnerID: "owner", ChangeRecordID: "rec-1", Channel: monitor.ChannelWebhook, At: now}

	mock.ExpectExec(q("INSERT INTO delivery_records")).
		WithArgs("d1", "t1", "owner", "rec-1", now, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.RecordDelivery(ctx, rec))

	mock.ExpectQuery(q("FROM delivery_records")).
		WithArgs("owner", "t1").
		WillReturnRows(docRow(t, rec))
	got, err := store.ListDeliveries(ctx, "owner", "t1")
	require.NoError(t, err)
	require.Equal(t, []monitor.DeliveryRecord{rec}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePing(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	mock.ExpectExec(q("SELECT 1")).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectExec(q("SELECT 1")).WillReturnError(&pgconn.PgError{Code: "57P01", Message: "terminating connection"})
	err := store.Ping(context.Background())
	require.ErrorContains(t, err, "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
