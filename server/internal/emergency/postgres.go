package emergency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vigilance-ai/server/internal/logger"
	"vigilance-ai/server/internal/model"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// OpenPostgres 打开 PostgreSQL 连接并确认可达。
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// PostgresLog 把紧急事件流转写入 emergency_events 表。
type PostgresLog struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresLog(db *sql.DB, log *zap.Logger) *PostgresLog {
	return &PostgresLog{
		db:     db,
		logger: logger.OrNop(log).Named("emergency_log"),
	}
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS emergency_events (
	id             BIGSERIAL PRIMARY KEY,
	activation_id  TEXT        NOT NULL,
	vehicle_id     TEXT        NOT NULL DEFAULT '',
	kind           TEXT        NOT NULL,
	trigger_type   TEXT        NOT NULL,
	location       TEXT        NOT NULL,
	activation_ts  TEXT        NOT NULL,
	contacted      BOOLEAN     NOT NULL DEFAULT FALSE,
	response_time  TEXT        NOT NULL DEFAULT '',
	recorded_at    TIMESTAMPTZ NOT NULL
)`

// EnsureSchema 建表（幂等）。
func (p *PostgresLog) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, createEventsTable); err != nil {
		return fmt.Errorf("create emergency_events: %w", err)
	}
	return nil
}

// Record 插入一条事件记录。
func (p *PostgresLog) Record(ctx context.Context, ev Event) error {
	if ev.Activation.ID == "" {
		return fmt.Errorf("activation id is required")
	}

	query := `
		INSERT INTO emergency_events (
			activation_id, vehicle_id, kind, trigger_type, location,
			activation_ts, contacted, response_time, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := p.db.ExecContext(ctx, query,
		ev.Activation.ID,
		ev.VehicleID,
		string(ev.Kind),
		string(ev.Activation.TriggerType),
		ev.Activation.Location,
		ev.Activation.Timestamp,
		ev.Activation.EmergencyContacted,
		ev.Activation.ResponseTime,
		ev.At,
	)
	if err != nil {
		return fmt.Errorf("insert emergency event: %w", err)
	}

	p.logger.Debug("Emergency event recorded",
		zap.String("activation_id", ev.Activation.ID),
		zap.String("kind", string(ev.Kind)),
	)
	return nil
}

// Recent 按记录时间倒序返回最近的事件。
func (p *PostgresLog) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT activation_id, vehicle_id, kind, trigger_type, location,
		       activation_ts, contacted, response_time, recorded_at
		FROM emergency_events
		ORDER BY recorded_at DESC, id DESC
		LIMIT $1
	`
	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query emergency events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev          Event
			kind        string
			triggerType string
		)
		if err := rows.Scan(
			&ev.Activation.ID,
			&ev.VehicleID,
			&kind,
			&triggerType,
			&ev.Activation.Location,
			&ev.Activation.Timestamp,
			&ev.Activation.EmergencyContacted,
			&ev.Activation.ResponseTime,
			&ev.At,
		); err != nil {
			return nil, fmt.Errorf("scan emergency event: %w", err)
		}
		ev.Kind = EventKind(kind)
		ev.Activation.TriggerType = model.TriggerReason(triggerType)
		ev.Activation.IsTriggered = ev.Kind != EventCancelled
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emergency events: %w", err)
	}
	return events, nil
}
