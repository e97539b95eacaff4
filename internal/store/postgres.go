package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/i474232898/weather-ingestion/internal/common"
	"github.com/i474232898/weather-ingestion/internal/weather"
)

// upsertPageSize bounds the rows per INSERT statement; all pages of a batch
// share one transaction.
const upsertPageSize = 100

// forecastColumns are written by the upsert engine, in placeholder order.
var forecastColumns = []string{
	"locationid",
	"temperature",
	"pressure",
	"sealevelpressure",
	"groundlevelpressure",
	"humidity",
	"weatherconditionid",
	"cloudiness",
	"windspeed",
	"winddirection",
	"windgust",
	"visibility",
	"precipitationchance",
	"timestampiso",
}

// forecastConflictColumns is the natural key.
var forecastConflictColumns = []string{"locationid", "timestampiso"}

const (
	forecastLocationsQuery = `
		SELECT locationid, latitude, longitude, COALESCE(data_available, TRUE)
		FROM location
		ORDER BY locationid
	`

	historicalLocationsQuery = `
		SELECT l.locationid, l.latitude, l.longitude, MIN(f.timestampiso)
		FROM location l
		JOIN forecast f ON l.locationid = f.locationid
		WHERE l.data_available = TRUE
		GROUP BY l.locationid, l.latitude, l.longitude
		ORDER BY l.locationid
	`

	markUnavailableQuery = `
		UPDATE location
		SET data_available = FALSE
		WHERE locationid = $1
	`

	resolveForecastIDsQuery = `
		SELECT f.forecastid, f.locationid, f.timestampiso
		FROM forecast f
		JOIN unnest($1::int[], $2::timestamp[]) AS k(locationid, timestampiso)
		  ON f.locationid = k.locationid AND f.timestampiso = k.timestampiso
	`
)

// db is the subset of *pgxpool.Pool the store needs.
type db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements weather.Store on PostgreSQL.
type PostgresStore struct {
	pool db
}

var _ weather.Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres parses the DSN, opens a pool and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// ForecastLocations returns every catalog location.
func (r *PostgresStore) ForecastLocations(ctx context.Context) ([]weather.Location, error) {
	rows, err := r.pool.Query(ctx, forecastLocationsQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query locations: %w", err)
	}
	defer rows.Close()

	var results []weather.Location
	for rows.Next() {
		var loc weather.Location
		if err := rows.Scan(&loc.ID, &loc.Latitude, &loc.Longitude, &loc.DataAvailable); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan location row: %w", err)
		}
		results = append(results, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read locations: %w", err)
	}
	return results, nil
}

// HistoricalLocations returns locations still flagged data_available together
// with the oldest forecast timestamp already stored for each.
func (r *PostgresStore) HistoricalLocations(ctx context.Context) ([]weather.Location, error) {
	rows, err := r.pool.Query(ctx, historicalLocationsQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query historical locations: %w", err)
	}
	defer rows.Close()

	var results []weather.Location
	for rows.Next() {
		var (
			loc    weather.Location
			oldest time.Time
		)
		if err := rows.Scan(&loc.ID, &loc.Latitude, &loc.Longitude, &oldest); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan historical location row: %w", err)
		}
		loc.DataAvailable = true
		loc.Oldest = oldest.UTC()
		results = append(results, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read historical locations: %w", err)
	}
	return results, nil
}

// MarkUnavailable sets data_available to false. Repeating the call is a no-op.
func (r *PostgresStore) MarkUnavailable(ctx context.Context, locationID int) error {
	tag, err := r.pool.Exec(ctx, markUnavailableQuery, locationID)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark location %d unavailable: %w", locationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark location %d unavailable: %w", locationID, ErrNotFound)
	}
	return nil
}

// UpsertForecasts writes the batch in one transaction on the natural key,
// overwriting every mutable column on conflict. Precipitation volumes are
// not part of this write.
func (r *PostgresStore) UpsertForecasts(ctx context.Context, records []weather.ForecastRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	var affected int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, page := range common.Chunk(records, upsertPageSize) {
			query, args := buildForecastUpsert(page)
			tag, err := tx.Exec(ctx, query, args...)
			if err != nil {
				return err
			}
			affected += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to upsert %d forecasts: %w", len(records), err)
	}
	return int(affected), nil
}

// AttachPrecipitation resolves the generated forecast ids for records carrying
// rain or snow and writes one child row per non-zero volume. An existing child
// row for the forecast is updated instead of duplicated.
func (r *PostgresStore) AttachPrecipitation(ctx context.Context, records []weather.ForecastRecord) (weather.PrecipitationResult, error) {
	var res weather.PrecipitationResult

	wanted := make([]weather.ForecastRecord, 0, len(records))
	for _, rec := range records {
		if rec.HasPrecipitation() {
			wanted = append(wanted, rec)
		}
	}
	if len(wanted) == 0 {
		return res, nil
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		ids, err := resolveForecastIDs(ctx, tx, wanted)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		var kinds []weather.PrecipitationKind
		for _, rec := range wanted {
			id, ok := ids[rec.Key()]
			if !ok {
				continue
			}
			if rec.RainVolume3h != 0 {
				batch.Queue(precipitationUpsertQuery(weather.PrecipitationRain), id, rec.RainVolume3h)
				kinds = append(kinds, weather.PrecipitationRain)
			}
			if rec.SnowVolume3h != 0 {
				batch.Queue(precipitationUpsertQuery(weather.PrecipitationSnow), id, rec.SnowVolume3h)
				kinds = append(kinds, weather.PrecipitationSnow)
			}
		}
		if batch.Len() == 0 {
			return nil
		}

		br := tx.SendBatch(ctx, batch)
		for _, kind := range kinds {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			switch kind {
			case weather.PrecipitationRain:
				res.Rain += int(tag.RowsAffected())
			case weather.PrecipitationSnow:
				res.Snow += int(tag.RowsAffected())
			}
		}
		return br.Close()
	})
	if err != nil {
		return weather.PrecipitationResult{}, fmt.Errorf("postgres: failed to attach precipitation: %w", err)
	}
	return res, nil
}

// Health checks database connectivity.
func (r *PostgresStore) Health(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: health check failed: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *PostgresStore) Close() {
	r.pool.Close()
}

func resolveForecastIDs(ctx context.Context, tx pgx.Tx, records []weather.ForecastRecord) (map[weather.NaturalKey]int64, error) {
	locationIDs := make([]int32, len(records))
	timestamps := make([]time.Time, len(records))
	for i, rec := range records {
		locationIDs[i] = int32(rec.LocationID)
		timestamps[i] = rec.Timestamp.UTC()
	}

	rows, err := tx.Query(ctx, resolveForecastIDsQuery, locationIDs, timestamps)
	if err != nil {
		return nil, fmt.Errorf("resolve forecast ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[weather.NaturalKey]int64, len(records))
	for rows.Next() {
		var (
			id         int64
			locationID int32
			ts         time.Time
		)
		if err := rows.Scan(&id, &locationID, &ts); err != nil {
			return nil, fmt.Errorf("scan forecast id: %w", err)
		}
		ids[weather.NaturalKey{LocationID: int(locationID), Timestamp: ts.UTC().Unix()}] = id
	}
	return ids, rows.Err()
}

// buildForecastUpsert renders a multi-row INSERT ... ON CONFLICT DO UPDATE for one page.
func buildForecastUpsert(records []weather.ForecastRecord) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO forecast (")
	sb.WriteString(strings.Join(forecastColumns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(records)*len(forecastColumns))
	n := 1
	for i, r := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := range forecastColumns {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteByte(')')

		args = append(args,
			r.LocationID,
			r.Temperature,
			r.Pressure,
			r.SeaLevelPressure,
			r.GroundLevelPressure,
			r.Humidity,
			r.WeatherConditionID,
			r.Cloudiness,
			r.WindSpeed,
			r.WindDirection,
			r.WindGust,
			r.Visibility,
			r.PrecipitationChance,
			r.Timestamp.UTC(),
		)
	}

	sb.WriteString(" ON CONFLICT (")
	sb.WriteString(strings.Join(forecastConflictColumns, ", "))
	sb.WriteString(") DO UPDATE SET ")
	first := true
	for _, col := range forecastColumns {
		if isConflictColumn(col) {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%s = EXCLUDED.%s", col, col)
	}
	return sb.String(), args
}

func isConflictColumn(col string) bool {
	for _, c := range forecastConflictColumns {
		if c == col {
			return true
		}
	}
	return false
}

// precipitationUpsertQuery updates the child row of a forecast when one exists
// and inserts it otherwise; RowsAffected counts inserted rows only.
func precipitationUpsertQuery(kind weather.PrecipitationKind) string {
	table := "rain"
	if kind == weather.PrecipitationSnow {
		table = "snow"
	}
	return fmt.Sprintf(`
		WITH updated AS (
			UPDATE %[1]s SET volume3h = $2::float8
			WHERE forecastid = $1::int
			RETURNING forecastid
		)
		INSERT INTO %[1]s (forecastid, volume3h)
		SELECT $1::int, $2::float8
		WHERE NOT EXISTS (SELECT 1 FROM updated)
	`, table)
}
