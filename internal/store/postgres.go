package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
)

// relatedColumns whitelists the fields usable in correlation filters.
// Anything else in group_by is silently ignored, which keeps user config out
// of the SQL text.
var relatedColumns = map[string]string{
	"source_ip":      "source_ip",
	"destination_ip": "destination_ip",
	"user_id":        "user_id",
	"asset_id":       "asset_id",
	"event_type":     "event_type",
}

// PostgresStore is the production Store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects the pool, verifies connectivity and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, cfg core.StoreConfig, logger zerolog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing store DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
	}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}

	s.logger.Info().Msg("connected to postgres store")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id              TEXT PRIMARY KEY,
			event_type      TEXT NOT NULL,
			severity        TEXT NOT NULL,
			source_ip       TEXT,
			destination_ip  TEXT,
			user_id         TEXT,
			asset_id        TEXT,
			endpoint        TEXT,
			description     TEXT,
			risk_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
			threat_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
			confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
			risk_adjustment DOUBLE PRECISION NOT NULL DEFAULT 1,
			status          TEXT NOT NULL DEFAULT 'open',
			metadata        JSONB,
			created_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source_ip ON events (source_ip, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id              TEXT PRIMARY KEY,
			title           TEXT NOT NULL,
			severity        TEXT NOT NULL,
			source_event_id TEXT NOT NULL UNIQUE,
			risk_score      DOUBLE PRECISION NOT NULL,
			status          TEXT NOT NULL DEFAULT 'open',
			created_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS threat_intel (
			indicator_value  TEXT NOT NULL,
			indicator_type   TEXT NOT NULL,
			threat_type      TEXT,
			confidence_score DOUBLE PRECISION NOT NULL,
			source           TEXT,
			is_active        BOOLEAN NOT NULL DEFAULT TRUE,
			first_seen       TIMESTAMPTZ NOT NULL,
			last_seen        TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (indicator_value, indicator_type)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("executing DDL: %w", err)
		}
	}
	return nil
}

// WriteTask persists one task inside a single transaction.
func (s *PostgresStore) WriteTask(ctx context.Context, task *core.PersistenceTask) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := upsertEvent(ctx, tx, task.Event); err != nil {
		return err
	}
	if task.Incident != nil {
		if err := insertIncident(ctx, tx, task.Incident); err != nil {
			return err
		}
	}
	for i := range task.Indicators {
		if err := upsertIndicator(ctx, tx, &task.Indicators[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing task %s: %w", task.ID, err)
	}
	return nil
}

// upsertEvent makes redelivered events harmless: the second write refreshes
// the scoring fields instead of duplicating the row.
func upsertEvent(ctx context.Context, tx pgx.Tx, ev *core.TelemetryEvent) error {
	var metadata []byte
	if len(ev.Raw) > 0 {
		var err error
		metadata, err = json.Marshal(ev.Raw)
		if err != nil {
			return fmt.Errorf("marshaling event metadata: %w", err)
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO events (
			id, event_type, severity, source_ip, destination_ip, user_id,
			asset_id, endpoint, description, risk_score, threat_score,
			confidence, risk_adjustment, status, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			threat_score    = EXCLUDED.threat_score,
			confidence      = EXCLUDED.confidence,
			risk_adjustment = EXCLUDED.risk_adjustment,
			status          = EXCLUDED.status`,
		ev.EventID, ev.EventType, ev.Severity.String(), nullable(ev.SourceIP),
		nullable(ev.DestinationIP), nullable(ev.UserID), nullable(ev.AssetID),
		nullable(ev.Endpoint), nullable(ev.Description), ev.RiskScore,
		ev.ThreatScore, ev.Confidence, ev.RiskAdjustment, ev.Status,
		metadata, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upserting event %s: %w", ev.EventID, err)
	}
	return nil
}

// insertIncident enforces one incident per source event: a redelivered task
// hits the unique source_event_id and the insert is a no-op.
func insertIncident(ctx context.Context, tx pgx.Tx, inc *core.Incident) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO incidents (id, title, severity, source_event_id, risk_score, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (source_event_id) DO NOTHING`,
		inc.ID, inc.Title, inc.Severity.String(), inc.SourceEventID,
		inc.RiskScore, inc.Status, inc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting incident %s: %w", inc.ID, err)
	}
	return nil
}

// upsertIndicator keeps confidence monotonically non-decreasing and only
// advances last_seen.
func upsertIndicator(ctx context.Context, tx pgx.Tx, ind *core.ThreatIndicator) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO threat_intel (
			indicator_value, indicator_type, threat_type,
			confidence_score, source, first_seen, last_seen
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (indicator_value, indicator_type) DO UPDATE SET
			confidence_score = GREATEST(threat_intel.confidence_score, EXCLUDED.confidence_score),
			threat_type      = EXCLUDED.threat_type,
			last_seen        = GREATEST(threat_intel.last_seen, EXCLUDED.last_seen)`,
		ind.Value, ind.Type, ind.ThreatType, ind.Confidence,
		ind.Source, ind.FirstSeen, ind.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upserting indicator %s/%s: %w", ind.Type, ind.Value, err)
	}
	return nil
}

// RelatedEvents returns recent events matching the whitelisted filter
// columns, newest first.
func (s *PostgresStore) RelatedEvents(ctx context.Context, filters map[string]string, since time.Time, limit int) ([]core.RelatedEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	conditions := []string{"created_at >= $1"}
	args := []any{since}
	for field, value := range filters {
		col, ok := relatedColumns[field]
		if !ok {
			continue
		}
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if len(conditions) == 1 {
		return nil, nil
	}

	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT id, event_type, severity, risk_score, created_at
		FROM events
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d`,
		strings.Join(conditions, " AND "), len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying related events: %w", err)
	}
	defer rows.Close()

	var out []core.RelatedEvent
	for rows.Next() {
		var (
			r        core.RelatedEvent
			severity string
		)
		if err := rows.Scan(&r.ID, &r.EventType, &severity, &r.RiskScore, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning related event: %w", err)
		}
		r.Severity = core.ParseSeverity(severity)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating related events: %w", err)
	}
	return out, nil
}

// Ping verifies connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// nullable turns empty strings into SQL NULLs.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
