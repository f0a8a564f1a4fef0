package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labelsquor/orchestrator/workflow"
)

// schema is the relational layout. EnsureSchema applies it idempotently at
// startup; production deployments run the same DDL through migrations.
const schema = `
CREATE TABLE IF NOT EXISTS work_item (
	id                   TEXT PRIMARY KEY,
	priority             INT NOT NULL DEFAULT 0,
	state                TEXT NOT NULL,
	stage                TEXT NOT NULL,
	attempt_count        INT NOT NULL DEFAULT 0,
	quota_exceeded_count INT NOT NULL DEFAULT 0,
	enqueued_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at           TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	next_attempt_at      TIMESTAMPTZ,
	lock_holder          TEXT,
	lock_acquired_at     TIMESTAMPTZ,
	lock_expires_at      TIMESTAMPTZ,
	version              BIGINT NOT NULL DEFAULT 0,
	payload              TEXT NOT NULL DEFAULT '',
	metadata             JSONB,
	partial_results      JSONB,
	last_error           JSONB,
	cancel_requested     BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_work_item_dispatch
	ON work_item (state, priority DESC, next_attempt_at ASC);
CREATE INDEX IF NOT EXISTS idx_work_item_lock_expiry
	ON work_item (lock_expires_at);

CREATE TABLE IF NOT EXISTS transition (
	id           TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL REFERENCES work_item(id),
	from_state   TEXT NOT NULL,
	to_state     TEXT NOT NULL,
	stage        TEXT,
	reason       TEXT,
	metadata     JSONB,
	actor        TEXT,
	at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transition_item ON transition (work_item_id, at DESC);

CREATE TABLE IF NOT EXISTS event (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL,
	work_item_id TEXT NOT NULL,
	type         TEXT NOT NULL,
	payload      JSONB,
	at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	delivered    BOOLEAN NOT NULL DEFAULT FALSE,
	attempts     INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_event_undelivered ON event (seq) WHERE delivered = FALSE;

CREATE TABLE IF NOT EXISTS metric (
	id           TEXT PRIMARY KEY,
	work_item_id TEXT,
	kind         TEXT NOT NULL,
	name         TEXT NOT NULL,
	value        DOUBLE PRECISION NOT NULL,
	at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_metric_kind_at ON metric (kind, at);

CREATE TABLE IF NOT EXISTS quota_counter (
	service      TEXT NOT NULL,
	window_name  TEXT NOT NULL,
	used         BIGINT NOT NULL DEFAULT 0,
	window_start TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (service, window_name)
);

CREATE TABLE IF NOT EXISTS quota_limit (
	service     TEXT NOT NULL,
	window_name TEXT NOT NULL,
	limit_value BIGINT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (service, window_name)
);

CREATE TABLE IF NOT EXISTS quota_usage_log (
	id            TEXT PRIMARY KEY,
	service       TEXT NOT NULL,
	work_item_id  TEXT,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	image_count   INT NOT NULL DEFAULT 0,
	cost          DOUBLE PRECISION NOT NULL DEFAULT 0,
	at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_quota_usage_service_at ON quota_usage_log (service, at);

CREATE TABLE IF NOT EXISTS dead_letter (
	id           TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '',
	error_chain  JSONB,
	at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const workItemColumns = `id, priority, state, stage, attempt_count, quota_exceeded_count,
	enqueued_at, started_at, completed_at, next_attempt_at,
	lock_holder, lock_acquired_at, lock_expires_at,
	version, payload, metadata, partial_results, last_error, cancel_requested`

// PostgresStore implements Store on a PostgreSQL backend via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a tuned connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies the schema DDL idempotently.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Work Item Operations ---

func (s *PostgresStore) CreateItem(ctx context.Context, item *WorkItem) error {
	metadata, err := marshalJSON(item.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO work_item (id, priority, state, stage, enqueued_at, payload, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.pool.Exec(ctx, query,
		item.ID, item.Priority, string(item.State), string(item.Stage),
		item.EnqueuedAt, item.Payload, metadata,
	)
	return err
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_item WHERE id = $1`
	item, err := scanWorkItem(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

func (s *PostgresStore) ListItems(ctx context.Context, f ItemFilter) ([]*WorkItem, int, error) {
	var conds []string
	var args []any
	idx := 1
	add := func(cond string, v any) {
		conds = append(conds, fmt.Sprintf(cond, idx))
		args = append(args, v)
		idx++
	}
	if f.State != "" {
		add("state = $%d", string(f.State))
	}
	if f.Stage != "" {
		add("stage = $%d", string(f.Stage))
	}
	if f.Priority != nil {
		add("priority = $%d", *f.Priority)
	}
	if f.OlderThan > 0 {
		add("enqueued_at <= $%d", time.Now().UTC().Add(-f.OlderThan))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM work_item"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(
		"SELECT "+workItemColumns+" FROM work_item%s ORDER BY priority DESC, enqueued_at ASC LIMIT $%d OFFSET $%d",
		where, idx, idx+1,
	)
	args = append(args, limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items, err := collectWorkItems(rows)
	return items, total, err
}

func (s *PostgresStore) CompareAndTransition(ctx context.Context, req TransitionRequest) (*WorkItem, error) {
	if !workflow.CanTransition(req.From, req.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, req.From, req.To)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// The single statement that tests state and version, and updates both.
	// Zero rows affected means another actor won the race.
	sets := []string{"state = $4", "version = version + 1"}
	args := []any{req.ItemID, string(req.From), req.ExpectedVersion, string(req.To)}
	idx := 5
	set := func(expr string, v any) {
		sets = append(sets, fmt.Sprintf(expr, idx))
		args = append(args, v)
		idx++
	}

	if req.AdvanceStage != nil {
		set("stage = $%d", string(*req.AdvanceStage))
	}
	if req.NextAttemptAt != nil {
		set("next_attempt_at = $%d", req.NextAttemptAt.UTC())
	} else if req.ClearNextAttempt {
		sets = append(sets, "next_attempt_at = NULL")
	}
	if req.IncrementAttempt {
		sets = append(sets, "attempt_count = attempt_count + 1")
	}
	if req.IncrementQuotaCount {
		sets = append(sets, "quota_exceeded_count = quota_exceeded_count + 1")
	}
	if req.PartialResults != nil {
		partial, err := marshalJSON(req.PartialResults)
		if err != nil {
			return nil, err
		}
		set("partial_results = $%d", partial)
	}
	if req.LastError != nil {
		lastErr, err := marshalJSON(req.LastError)
		if err != nil {
			return nil, err
		}
		set("last_error = $%d", lastErr)
	}
	if req.MarkStarted {
		sets = append(sets, "started_at = COALESCE(started_at, now())")
	}
	if req.MarkCompleted {
		sets = append(sets, "completed_at = now()")
	}
	if req.ReleaseLock {
		sets = append(sets, "lock_holder = NULL", "lock_acquired_at = NULL", "lock_expires_at = NULL")
	}
	if req.ClearCancelRequest {
		sets = append(sets, "cancel_requested = FALSE")
	}

	query := fmt.Sprintf(
		"UPDATE work_item SET %s WHERE id = $1 AND state = $2 AND version = $3 RETURNING "+workItemColumns,
		strings.Join(sets, ", "),
	)
	item, err := scanWorkItem(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if e := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM work_item WHERE id = $1)", req.ItemID).Scan(&exists); e != nil {
			return nil, e
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}

	// Time spent in the prior state, measured against the previous
	// transition (or enqueue for the first one).
	_, err = tx.Exec(ctx, `
		INSERT INTO metric (id, work_item_id, kind, name, value, at)
		SELECT $1, $2, $3, $4,
			EXTRACT(EPOCH FROM (now() - COALESCE(MAX(at), $5::timestamptz))) * 1000, now()
		FROM transition WHERE work_item_id = $2
	`, uuid.NewString(), req.ItemID, string(MetricStateDuration), string(req.From), item.EnqueuedAt)
	if err != nil {
		return nil, err
	}

	metadata, err := marshalJSON(req.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO transition (id, work_item_id, from_state, to_state, stage, reason, metadata, actor, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, uuid.NewString(), req.ItemID, string(req.From), string(req.To), string(req.Stage), req.Reason, metadata, req.Actor)
	if err != nil {
		return nil, err
	}

	events := append([]EventSpec{{
		Type: workflow.EventStateChanged,
		Payload: map[string]any{
			"from":   string(req.From),
			"to":     string(req.To),
			"stage":  string(req.Stage),
			"reason": req.Reason,
			"actor":  req.Actor,
		},
	}}, req.Events...)
	for _, ev := range events {
		if err := insertEvent(ctx, tx, req.ItemID, ev.Type, ev.Payload); err != nil {
			return nil, err
		}
	}

	if req.DeadLetter != nil {
		dl := req.DeadLetter
		chain, err := marshalJSON(dl.ErrorChain)
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO dead_letter (id, work_item_id, payload, error_chain, at)
			VALUES ($1, $2, $3, $4, now())
		`, dl.ID, dl.WorkItemID, dl.Payload, chain)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *PostgresStore) History(ctx context.Context, itemID string) ([]*Transition, error) {
	query := `
		SELECT id, work_item_id, from_state, to_state, stage, reason, metadata, actor, at
		FROM transition WHERE work_item_id = $1 ORDER BY at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var t Transition
		var stage, reason, actor *string
		var metadata []byte
		if err := rows.Scan(&t.ID, &t.WorkItemID, &t.FromState, &t.ToState, &stage, &reason, &metadata, &actor, &t.At); err != nil {
			return nil, err
		}
		if stage != nil {
			t.Stage = workflow.Stage(*stage)
		}
		if reason != nil {
			t.Reason = *reason
		}
		if actor != nil {
			t.Actor = *actor
		}
		if err := unmarshalJSON(metadata, &t.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// --- Lock Operations ---

func (s *PostgresStore) AcquireLock(ctx context.Context, itemID, workerID string, lease time.Duration) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE work_item
		SET lock_holder = $2, lock_acquired_at = now(), lock_expires_at = now() + $3
		WHERE id = $1 AND (lock_holder IS NULL OR lock_expires_at < now())
	`, itemID, workerID, lease)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := insertEvent(ctx, tx, itemID, workflow.EventLocked, map[string]any{"worker": workerID}); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *PostgresStore) ExtendLock(ctx context.Context, itemID, workerID string, lease time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_item SET lock_expires_at = now() + $3
		WHERE id = $1 AND lock_holder = $2 AND lock_expires_at > now()
	`, itemID, workerID, lease)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, itemID, workerID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE work_item
		SET lock_holder = NULL, lock_acquired_at = NULL, lock_expires_at = NULL
		WHERE id = $1 AND lock_holder = $2
	`, itemID, workerID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := insertEvent(ctx, tx, itemID, workflow.EventUnlocked, map[string]any{"worker": workerID}); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// --- Dispatch Operations ---

func (s *PostgresStore) NextReady(ctx context.Context, now time.Time, limit int) ([]*WorkItem, error) {
	query := `
		SELECT ` + workItemColumns + ` FROM work_item
		WHERE (state = 'ready'
			AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			AND (lock_holder IS NULL OR lock_expires_at < $1))
		   OR (state = 'running' AND lock_expires_at < $1)
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkItems(rows)
}

func (s *PostgresStore) DueItems(ctx context.Context, state workflow.State, now time.Time, limit int) ([]*WorkItem, error) {
	query := `
		SELECT ` + workItemColumns + ` FROM work_item
		WHERE state = $1 AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2
		ORDER BY priority DESC, next_attempt_at ASC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, string(state), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkItems(rows)
}

func (s *PostgresStore) RequestCancel(ctx context.Context, itemID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_item
		SET cancel_requested = TRUE,
		    metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('cancel_reason', $2::text)
		WHERE id = $1 AND state = 'running'
	`, itemID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// --- Outbox Operations ---

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO event (id, work_item_id, type, payload, at)
		VALUES ($1, $2, $3, $4, now())
	`, ev.ID, ev.WorkItemID, string(ev.Type), payload)
	return err
}

func (s *PostgresStore) UndeliveredEvents(ctx context.Context, limit int) ([]*Event, error) {
	query := `
		SELECT seq, id, work_item_id, type, payload, at, delivered, attempts
		FROM event WHERE delivered = FALSE ORDER BY seq ASC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.WorkItemID, &ev.Type, &payload, &ev.At, &ev.Delivered, &ev.Attempts); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(payload, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE event SET delivered = TRUE WHERE id = $1`, eventID)
	return err
}

func (s *PostgresStore) MarkDeliveryFailed(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE event SET attempts = attempts + 1 WHERE id = $1`, eventID)
	return err
}

// --- Metric Operations ---

func (s *PostgresStore) RecordMetric(ctx context.Context, m *Metric) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metric (id, work_item_id, kind, name, value, at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, now())
	`, m.ID, m.WorkItemID, string(m.Kind), m.Name, m.Value)
	return err
}

// --- Quota Operations ---

func (s *PostgresStore) GetQuotaCounter(ctx context.Context, service, window string) (*QuotaCounter, error) {
	var c QuotaCounter
	err := s.pool.QueryRow(ctx, `
		SELECT service, window_name, used, window_start
		FROM quota_counter WHERE service = $1 AND window_name = $2
	`, service, window).Scan(&c.Service, &c.Window, &c.Used, &c.WindowStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListQuotaCounters(ctx context.Context, service string) ([]*QuotaCounter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service, window_name, used, window_start
		FROM quota_counter WHERE service = $1
	`, service)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QuotaCounter
	for rows.Next() {
		var c QuotaCounter
		if err := rows.Scan(&c.Service, &c.Window, &c.Used, &c.WindowStart); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IncrementQuota(ctx context.Context, service, window string, amount int64, windowStart time.Time) (int64, error) {
	// Tumbling-window upsert: a newer window_start resets the counter, the
	// same window accumulates. Single statement, so concurrent workers only
	// contend on the row lock for the duration of the increment.
	var used int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quota_counter (service, window_name, used, window_start)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (service, window_name) DO UPDATE SET
			used = CASE WHEN quota_counter.window_start < EXCLUDED.window_start
				THEN EXCLUDED.used
				ELSE quota_counter.used + EXCLUDED.used END,
			window_start = GREATEST(quota_counter.window_start, EXCLUDED.window_start)
		RETURNING used
	`, service, window, amount, windowStart.UTC()).Scan(&used)
	return used, err
}

func (s *PostgresStore) ListQuotaLimits(ctx context.Context, service string) ([]*QuotaLimitRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service, window_name, limit_value, updated_at
		FROM quota_limit WHERE service = $1
	`, service)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QuotaLimitRow
	for rows.Next() {
		var l QuotaLimitRow
		if err := rows.Scan(&l.Service, &l.Window, &l.Limit, &l.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendQuotaUsage(ctx context.Context, u *QuotaUsage) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quota_usage_log (id, service, work_item_id, input_tokens, output_tokens, image_count, cost, at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, now())
	`, u.ID, u.Service, u.WorkItemID, u.InputTokens, u.OutputTokens, u.ImageCount, u.Cost)
	return err
}

// --- Dead Letter Operations ---

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, work_item_id, payload, error_chain, at
		FROM dead_letter ORDER BY at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var chain []byte
		if err := rows.Scan(&dl.ID, &dl.WorkItemID, &dl.Payload, &chain, &dl.At); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(chain, &dl.ErrorChain); err != nil {
			return nil, err
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// --- Observability Aggregations ---

func (s *PostgresStore) StateCounts(ctx context.Context) (map[workflow.State]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM work_item GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[workflow.State]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		out[workflow.State(state)] = count
	}
	return out, rows.Err()
}

func (s *PostgresStore) StageDurationStats(ctx context.Context, since time.Time) (map[workflow.Stage]DurationStats, error) {
	stats, err := s.durationStats(ctx, MetricStageDuration, since)
	if err != nil {
		return nil, err
	}
	out := make(map[workflow.Stage]DurationStats, len(stats))
	for name, st := range stats {
		out[workflow.Stage(name)] = st
	}
	return out, nil
}

func (s *PostgresStore) StateDurationStats(ctx context.Context, since time.Time) (map[workflow.State]DurationStats, error) {
	stats, err := s.durationStats(ctx, MetricStateDuration, since)
	if err != nil {
		return nil, err
	}
	out := make(map[workflow.State]DurationStats, len(stats))
	for name, st := range stats {
		out[workflow.State(name)] = st
	}
	return out, nil
}

func (s *PostgresStore) durationStats(ctx context.Context, kind MetricKind, since time.Time) (map[string]DurationStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, COUNT(*), AVG(value), MIN(value), MAX(value),
			percentile_cont(0.5) WITHIN GROUP (ORDER BY value),
			percentile_cont(0.95) WITHIN GROUP (ORDER BY value)
		FROM metric WHERE kind = $1 AND at >= $2 GROUP BY name
	`, string(kind), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]DurationStats)
	for rows.Next() {
		var name string
		var st DurationStats
		if err := rows.Scan(&name, &st.Count, &st.AvgMS, &st.MinMS, &st.MaxMS, &st.P50MS, &st.P95MS); err != nil {
			return nil, err
		}
		out[name] = st
	}
	return out, rows.Err()
}

func (s *PostgresStore) CompletedPerHour(ctx context.Context, since time.Time) ([]HourlyCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT date_trunc('hour', completed_at), COUNT(*)
		FROM work_item WHERE completed_at >= $1
		GROUP BY 1 ORDER BY 1
	`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HourlyCount
	for rows.Next() {
		var h HourlyCount
		if err := rows.Scan(&h.Hour, &h.Count); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ErrorBreakdown(ctx context.Context, since time.Time) (map[workflow.FailureClass]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, COUNT(*) FROM metric
		WHERE kind = $1 AND at >= $2 GROUP BY name
	`, string(MetricError), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[workflow.FailureClass]int)
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		out[workflow.FailureClass(name)] = count
	}
	return out, rows.Err()
}

func (s *PostgresStore) QuotaUsageHistory(ctx context.Context, service string, since time.Time) ([]HourlyQuotaUsage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT date_trunc('hour', at), COUNT(*),
			COALESCE(SUM(input_tokens + output_tokens), 0), COALESCE(SUM(cost), 0)
		FROM quota_usage_log WHERE service = $1 AND at >= $2
		GROUP BY 1 ORDER BY 1
	`, service, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HourlyQuotaUsage
	for rows.Next() {
		var h HourlyQuotaUsage
		if err := rows.Scan(&h.Hour, &h.Requests, &h.TotalTokens, &h.TotalCost); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*WorkItem, error) {
	var item WorkItem
	var state, stage string
	var lockHolder *string
	var metadata, partial, lastErr []byte
	err := row.Scan(
		&item.ID, &item.Priority, &state, &stage,
		&item.AttemptCount, &item.QuotaExceededCount,
		&item.EnqueuedAt, &item.StartedAt, &item.CompletedAt, &item.NextAttemptAt,
		&lockHolder, &item.LockAcquiredAt, &item.LockExpiresAt,
		&item.Version, &item.Payload, &metadata, &partial, &lastErr, &item.CancelRequested,
	)
	if err != nil {
		return nil, err
	}
	item.State = workflow.State(state)
	item.Stage = workflow.Stage(stage)
	if lockHolder != nil {
		item.LockHolder = *lockHolder
	}
	if err := unmarshalJSON(metadata, &item.Metadata); err != nil {
		return nil, err
	}
	if len(partial) > 0 {
		item.PartialResults = &workflow.PartialResults{}
		if err := json.Unmarshal(partial, item.PartialResults); err != nil {
			return nil, err
		}
	}
	if len(lastErr) > 0 {
		item.LastError = &ItemError{}
		if err := json.Unmarshal(lastErr, item.LastError); err != nil {
			return nil, err
		}
	}
	return &item, nil
}

func collectWorkItems(rows pgx.Rows) ([]*WorkItem, error) {
	var out []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func insertEvent(ctx context.Context, tx pgx.Tx, itemID string, typ workflow.EventType, payload map[string]any) error {
	data, err := marshalJSON(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO event (id, work_item_id, type, payload, at)
		VALUES ($1, $2, $3, $4, now())
	`, uuid.NewString(), itemID, string(typ), data)
	return err
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSON[T any](data []byte, dst *T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
