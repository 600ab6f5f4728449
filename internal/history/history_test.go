package history_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/agrilink/internal/history"
	"github.com/example/agrilink/internal/presence/domain"
)

func TestSampleValidate(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, history.Sample{SupplierID: "S1", Latitude: 27.7, Longitude: 85.3, Timestamp: ts}.Validate())
	require.ErrorIs(t, history.Sample{Latitude: 27.7, Longitude: 85.3, Timestamp: ts}.Validate(), domain.ErrValidation)
	require.ErrorIs(t, history.Sample{SupplierID: "S1", Latitude: 95, Timestamp: ts}.Validate(), domain.ErrValidation)
	require.ErrorIs(t, history.Sample{SupplierID: "S1"}.Validate(), domain.ErrValidation)
}

func TestUpstreamErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&history.UpstreamError{Op: "insert history", Err: cause})
	require.ErrorIs(t, err, cause)
	var up *history.UpstreamError
	require.True(t, errors.As(err, &up))
	require.Equal(t, "upstream insert history: connection refused", err.Error())
}

func TestPostgresRecorderWritesHistoryAndOutbox(t *testing.T) {
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	db := openPostgres(t, ctx)

	rec := history.NewPostgresRecorder(db, "presence.locations")
	require.NoError(t, rec.EnsureSchema(ctx))

	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Consume(ctx, domain.Event{Location: &domain.LocationEvent{SupplierID: "S1", Latitude: 27.7172, Longitude: 85.3240, Timestamp: ts}}))
	require.NoError(t, rec.Consume(ctx, domain.Event{Status: &domain.StatusEvent{SupplierID: "S1"}}))
	require.NoError(t, rec.Record(ctx, history.Sample{SupplierID: "S1", Latitude: 27.7180, Longitude: 85.3240, Timestamp: ts.Add(time.Minute)}))

	samples, err := rec.Recent(ctx, "S1", 10)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, ts.Add(time.Minute), samples[0].Timestamp)

	var pending int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE topic = 'presence.locations' AND published = false`).Scan(&pending))
	require.Equal(t, 2, pending)
}

func TestPostgresRecorderIgnoresReplayedSamples(t *testing.T) {
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	db := openPostgres(t, ctx)

	rec := history.NewPostgresRecorder(db, "presence.locations")
	require.NoError(t, rec.EnsureSchema(ctx))

	sample := history.Sample{SupplierID: "S1", Latitude: 27.7172, Longitude: 85.3240, Timestamp: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	require.NoError(t, rec.Record(ctx, sample))
	require.NoError(t, rec.Record(ctx, sample))

	samples, err := rec.Recent(ctx, "S1", 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)

	var queued int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM outbox`).Scan(&queued))
	require.Equal(t, 1, queued)
}

func openPostgres(t *testing.T, ctx context.Context) *sql.DB {
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("agrilink"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pg.Terminate(ctx)) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return db
}
