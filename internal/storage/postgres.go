package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// NotifyChannel is the LISTEN/NOTIFY channel the rides trigger publishes on.
const NotifyChannel = "rides_changed"

const rideColumns = `id, rider_id, rider_name, driver_id, driver_name,
	pickup_lat, pickup_lon, pickup_name, dropoff_lat, dropoff_lon, dropoff_name,
	fare, vehicle_type, status, otp,
	created_at, accepted_at, ride_started_at, completed_at, cancelled_at, disputed_at, version`

type rideRow struct {
	ID            string         `db:"id"`
	RiderID       string         `db:"rider_id"`
	RiderName     string         `db:"rider_name"`
	DriverID      sql.NullString `db:"driver_id"`
	DriverName    sql.NullString `db:"driver_name"`
	PickupLat     float64        `db:"pickup_lat"`
	PickupLon     float64        `db:"pickup_lon"`
	PickupName    string         `db:"pickup_name"`
	DropoffLat    float64        `db:"dropoff_lat"`
	DropoffLon    float64        `db:"dropoff_lon"`
	DropoffName   string         `db:"dropoff_name"`
	Fare          float64        `db:"fare"`
	VehicleType   string         `db:"vehicle_type"`
	Status        string         `db:"status"`
	OTP           sql.NullInt64  `db:"otp"`
	CreatedAt     time.Time      `db:"created_at"`
	AcceptedAt    sql.NullTime   `db:"accepted_at"`
	RideStartedAt sql.NullTime   `db:"ride_started_at"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
	CancelledAt   sql.NullTime   `db:"cancelled_at"`
	DisputedAt    sql.NullTime   `db:"disputed_at"`
	Version       int64          `db:"version"`
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func toRow(r *models.Ride) rideRow {
	return rideRow{
		ID:            r.ID,
		RiderID:       r.RiderID,
		RiderName:     r.RiderName,
		DriverID:      nullString(r.DriverID),
		DriverName:    nullString(r.DriverName),
		PickupLat:     r.Pickup.Lat,
		PickupLon:     r.Pickup.Lon,
		PickupName:    r.Pickup.DisplayName,
		DropoffLat:    r.Dropoff.Lat,
		DropoffLon:    r.Dropoff.Lon,
		DropoffName:   r.Dropoff.DisplayName,
		Fare:          r.Fare,
		VehicleType:   string(r.VehicleType),
		Status:        string(r.Status),
		OTP:           sql.NullInt64{Int64: int64(r.OTP), Valid: r.OTP != 0},
		CreatedAt:     r.CreatedAt,
		AcceptedAt:    nullTime(r.AcceptedAt),
		RideStartedAt: nullTime(r.RideStartedAt),
		CompletedAt:   nullTime(r.CompletedAt),
		CancelledAt:   nullTime(r.CancelledAt),
		DisputedAt:    nullTime(r.DisputedAt),
		Version:       r.Version,
	}
}

func (row rideRow) toModel() models.Ride {
	return models.Ride{
		ID:            row.ID,
		RiderID:       row.RiderID,
		RiderName:     row.RiderName,
		DriverID:      row.DriverID.String,
		DriverName:    row.DriverName.String,
		Pickup:        models.Place{Lat: row.PickupLat, Lon: row.PickupLon, DisplayName: row.PickupName},
		Dropoff:       models.Place{Lat: row.DropoffLat, Lon: row.DropoffLon, DisplayName: row.DropoffName},
		Fare:          row.Fare,
		VehicleType:   models.VehicleType(row.VehicleType),
		Status:        models.RideStatus(row.Status),
		OTP:           int(row.OTP.Int64),
		CreatedAt:     row.CreatedAt,
		AcceptedAt:    timePtr(row.AcceptedAt),
		RideStartedAt: timePtr(row.RideStartedAt),
		CompletedAt:   timePtr(row.CompletedAt),
		CancelledAt:   timePtr(row.CancelledAt),
		DisputedAt:    timePtr(row.DisputedAt),
		Version:       row.Version,
	}
}

// PostgresStore implements RideStore on a rides table. Update is optimistic:
// it rewrites the row only if the version it read is still current and
// otherwise re-reads and re-runs the mutation.
type PostgresStore struct {
	db         *sqlx.DB
	dsn        string
	maxRetries int
	resync     time.Duration
	logger     *slog.Logger
}

type PostgresOption func(*PostgresStore)

func WithMaxRetries(n int) PostgresOption {
	return func(p *PostgresStore) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithResync sets how often a watcher re-queries without a notification.
func WithResync(d time.Duration) PostgresOption {
	return func(p *PostgresStore) {
		if d > 0 {
			p.resync = d
		}
	}
}

func WithLogger(l *slog.Logger) PostgresOption {
	return func(p *PostgresStore) { p.logger = l }
}

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := NewPostgresStoreFromDB(db, opts...)
	p.dsn = dsn
	return p, nil
}

// NewPostgresStoreFromDB wraps an open handle. Watch needs a DSN for its
// listener connection and is unavailable on stores built this way.
func NewPostgresStoreFromDB(db *sqlx.DB, opts ...PostgresOption) *PostgresStore {
	p := &PostgresStore{db: db, maxRetries: 5, resync: 30 * time.Second, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	b, err := migrations.ReadFile("migrations/001_create_rides.sql")
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func mapErr(op, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42501":
			err = fmt.Errorf("%w: %s", ErrPermission, pqErr.Message)
		case "23505":
			err = ErrExists
		}
	}
	return &OpError{Op: op, Path: ridePath(id), Err: err}
}

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	if err := r.Validate(); err != nil {
		return &OpError{Op: "create", Path: ridePath(r.ID), Err: err}
	}
	r.Version = 1
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO rides (`+rideColumns+`) VALUES (
		:id, :rider_id, :rider_name, :driver_id, :driver_name,
		:pickup_lat, :pickup_lon, :pickup_name, :dropoff_lat, :dropoff_lon, :dropoff_name,
		:fare, :vehicle_type, :status, :otp,
		:created_at, :accepted_at, :ride_started_at, :completed_at, :cancelled_at, :disputed_at, :version)`, toRow(r))
	if err != nil {
		return mapErr("create", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.Ride, error) {
	var row rideRow
	if err := p.db.GetContext(ctx, &row, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id); err != nil {
		return models.Ride{}, mapErr("get", id, err)
	}
	return row.toModel(), nil
}

func (p *PostgresStore) Update(ctx context.Context, id string, fn UpdateFunc) (models.Ride, error) {
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		current, err := p.Get(ctx, id)
		if err != nil {
			return models.Ride{}, err
		}
		next := current
		if err := fn(&next); err != nil {
			return current, err
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		if err := next.Validate(); err != nil {
			return current, &OpError{Op: "update", Path: ridePath(id), Err: err}
		}
		row := toRow(&next)
		res, err := p.db.ExecContext(ctx, `UPDATE rides SET
			driver_id = $1, driver_name = $2, fare = $3, status = $4, otp = $5,
			accepted_at = $6, ride_started_at = $7, completed_at = $8, cancelled_at = $9, disputed_at = $10,
			version = version + 1
			WHERE id = $11 AND version = $12`,
			row.DriverID, row.DriverName, row.Fare, row.Status, row.OTP,
			row.AcceptedAt, row.RideStartedAt, row.CompletedAt, row.CancelledAt, row.DisputedAt,
			id, current.Version)
		if err != nil {
			return current, mapErr("update", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return current, mapErr("update", id, err)
		}
		if n == 1 {
			next.Version = current.Version + 1
			return next, nil
		}
		p.logger.Debug("ride update lost version race, retrying", "ride_id", id, "attempt", attempt+1)
	}
	return models.Ride{}, &OpError{Op: "update", Path: ridePath(id), Err: ErrConflict}
}

// buildQuery renders q as a SELECT with positional arguments.
func buildQuery(q Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.ID != "" {
		add("id = $%d", q.ID)
	}
	if q.RiderID != "" {
		add("rider_id = $%d", q.RiderID)
	}
	if q.DriverID != "" {
		add("driver_id = $%d", q.DriverID)
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	sqlText := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		sqlText += ` WHERE ` + strings.Join(where, " AND ")
	}
	return sqlText + ` ORDER BY created_at, id`, args
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]models.Ride, error) {
	sqlText, args := buildQuery(q)
	var rows []rideRow
	if err := p.db.SelectContext(ctx, &rows, sqlText, args...); err != nil {
		return nil, mapErr("list", "", err)
	}
	out := make([]models.Ride, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// Watch re-runs q whenever the rides trigger notifies, after a listener
// reconnect, and every resync interval.
func (p *PostgresStore) Watch(ctx context.Context, q Query) (<-chan []models.Ride, error) {
	if p.dsn == "" {
		return nil, errors.New("watch requires a store opened with a dsn")
	}
	listener := pq.NewListener(p.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warn("rides listener event", "event", ev, "err", err)
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	first, err := p.List(ctx, q)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	ch := make(chan []models.Ride, 1)
	ch <- first
	go func() {
		defer close(ch)
		defer listener.Close()
		ticker := time.NewTicker(p.resync)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				// nil after a reconnect
				if n != nil && q.ID != "" && n.Extra != q.ID {
					continue
				}
			case <-ticker.C:
				go listener.Ping()
			}
			snap, err := p.List(ctx, q)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Error("rides watch query failed", "err", err)
				continue
			}
			offer(ch, snap)
		}
	}()
	return ch, nil
}
