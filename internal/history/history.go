// Package history persists accepted location samples outside the in-memory registry.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/agrilink/internal/geo"
	"github.com/example/agrilink/internal/presence/domain"
)

// Sample is one durable location record.
type Sample struct {
	SupplierID string    `json:"supplierId"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate reports malformed samples as domain validation errors.
func (s Sample) Validate() error {
	if s.SupplierID == "" {
		return domain.NewValidationError("supplierId", "is required")
	}
	if !geo.ValidCoordinate(s.Latitude, s.Longitude) {
		return domain.NewValidationError("latitude/longitude", "out of range")
	}
	if s.Timestamp.IsZero() {
		return domain.NewValidationError("timestamp", "is required")
	}
	return nil
}

// SampleFromEvent converts a broadcast location event.
func SampleFromEvent(evt domain.LocationEvent) Sample {
	return Sample{SupplierID: evt.SupplierID, Latitude: evt.Latitude, Longitude: evt.Longitude, Timestamp: evt.Timestamp}
}

// UpstreamError wraps a failure of an external collaborator.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream %s: %v", e.Op, e.Err) }

func (e *UpstreamError) Unwrap() error { return e.Err }

const schema = `
CREATE TABLE IF NOT EXISTS location_history (
	id BIGSERIAL PRIMARY KEY,
	supplier_id TEXT NOT NULL,
	latitude DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS location_history_sample_idx ON location_history (supplier_id, recorded_at DESC);
CREATE TABLE IF NOT EXISTS outbox (
	id BIGSERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	payload BYTEA NOT NULL,
	published BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresRecorder stores samples and enqueues them for relay in one transaction.
type PostgresRecorder struct {
	db    *sql.DB
	topic string
}

// NewPostgresRecorder builds a recorder. topic is the NATS subject written to the outbox.
func NewPostgresRecorder(db *sql.DB, topic string) *PostgresRecorder {
	return &PostgresRecorder{db: db, topic: topic}
}

// EnsureSchema creates the history and outbox tables.
func (p *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return &UpstreamError{Op: "ensure schema", Err: err}
	}
	return nil
}

// Name identifies the recorder in sink metrics.
func (p *PostgresRecorder) Name() string { return "history" }

// Consume records location events; status events are ignored.
func (p *PostgresRecorder) Consume(ctx context.Context, evt domain.Event) error {
	if evt.Location == nil {
		return nil
	}
	return p.Record(ctx, SampleFromEvent(*evt.Location))
}

// Record persists s once per (supplier, timestamp); replays are no-ops.
func (p *PostgresRecorder) Record(ctx context.Context, s Sample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &UpstreamError{Op: "begin tx", Err: err}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO location_history (supplier_id, latitude, longitude, recorded_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (supplier_id, recorded_at) DO NOTHING`,
		s.SupplierID, s.Latitude, s.Longitude, s.Timestamp)
	if err != nil {
		_ = tx.Rollback()
		return &UpstreamError{Op: "insert history", Err: err}
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return &UpstreamError{Op: "insert history", Err: err}
	}
	// A replayed sample is already recorded and relayed.
	if inserted == 0 {
		_ = tx.Rollback()
		return nil
	}
	if p.topic != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, p.topic, payload); err != nil {
			_ = tx.Rollback()
			return &UpstreamError{Op: "insert outbox", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &UpstreamError{Op: "commit", Err: err}
	}
	return nil
}

// Recent returns up to limit samples for supplierID, newest first.
func (p *PostgresRecorder) Recent(ctx context.Context, supplierID string, limit int) ([]Sample, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT supplier_id, latitude, longitude, recorded_at FROM location_history WHERE supplier_id = $1 ORDER BY recorded_at DESC LIMIT $2`,
		supplierID, limit)
	if err != nil {
		return nil, &UpstreamError{Op: "select history", Err: err}
	}
	defer rows.Close()
	var out []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.SupplierID, &s.Latitude, &s.Longitude, &s.Timestamp); err != nil {
			return nil, &UpstreamError{Op: "scan history", Err: err}
		}
		s.Timestamp = s.Timestamp.UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &UpstreamError{Op: "iterate history", Err: err}
	}
	return out, nil
}
