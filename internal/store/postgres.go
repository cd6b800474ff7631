package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"vehicle-blackbox/internal/config"
	"vehicle-blackbox/internal/domain"
)

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the telemetry store: an append-only readings table whose
// pipeline columns are updated in place.
type PostgresStore struct {
	db     DB
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &PostgresStore{db: pool, pool: pool, logger: logger}, nil
}

// NewPostgresStoreWithDB is used with pgxmock. Subscribe needs a real pool.
func NewPostgresStoreWithDB(db DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

const readingColumns = `id, device_id, ts, gforces, gyro, location, fire_status, speed,
	COALESCE(owner_email, ''), COALESCE(emergency_contacts, 'null'::jsonb),
	status, COALESCE(accident_type, ''), COALESCE(confidence, 0), COALESCE(address, ''),
	COALESCE(speed_trajectory, 'null'::jsonb)`

type scanner interface {
	Scan(dest ...any) error
}

func scanReading(row scanner) (*domain.Reading, error) {
	var (
		r                              domain.Reading
		ts                             time.Time
		gforces, gyro, location, speed []byte
		contacts, trajectory           []byte
		fire                           bool
		status                         string
	)
	err := row.Scan(
		&r.ID, &r.DeviceID, &ts, &gforces, &gyro, &location, &fire, &speed,
		&r.OwnerEmail, &contacts,
		&status, &r.AccidentType, &r.Confidence, &r.Address,
		&trajectory,
	)
	if err != nil {
		return nil, err
	}

	r.Timestamp = domain.Timestamp{Time: ts.UTC()}
	r.FireStatus = domain.Flag(fire)
	r.Status = domain.Status(status)

	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{gforces, &r.GForce},
		{gyro, &r.Gyro},
		{location, &r.Location},
		{speed, &r.Speed},
		{contacts, &r.EmergencyContacts},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode reading %s: %w", r.ID, err)
		}
	}
	if len(trajectory) > 0 && string(trajectory) != "null" {
		var seg domain.TrajectorySegment
		if err := json.Unmarshal(trajectory, &seg); err != nil {
			return nil, fmt.Errorf("decode trajectory of %s: %w", r.ID, err)
		}
		r.SpeedTrajectory = &seg
	}
	return &r, nil
}

// Insert appends a reading with status UNCLASSIFIED.
func (s *PostgresStore) Insert(ctx context.Context, r *domain.Reading) error {
	enc := func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	var vals [5]string
	for i, v := range []any{r.GForce, r.Gyro, r.Location, r.Speed, r.EmergencyContacts} {
		encoded, err := enc(v)
		if err != nil {
			return fmt.Errorf("encode reading %s: %w", r.ID, err)
		}
		vals[i] = encoded
	}

	var owner *string
	if r.OwnerEmail != "" {
		owner = &r.OwnerEmail
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO readings
			(id, device_id, ts, gforces, gyro, location, fire_status, speed,
			 owner_email, emergency_contacts, status)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		r.ID,
		r.DeviceID,
		r.Timestamp.Time,
		vals[0],
		vals[1],
		vals[2],
		bool(r.FireStatus),
		vals[3],
		owner,
		vals[4],
		string(domain.StatusUnclassified),
	)
	if err != nil {
		return fmt.Errorf("%w: insert reading %s: %w", domain.ErrStoreWrite, r.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Reading, error) {
	row := s.db.QueryRow(ctx, `SELECT `+readingColumns+` FROM readings WHERE id = $1`, id)
	r, err := scanReading(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reading %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reading %s: %w", id, err)
	}
	return r, nil
}

// Unprocessed returns readings that have never been classified, oldest first.
func (s *PostgresStore) Unprocessed(ctx context.Context) ([]*domain.Reading, error) {
	return s.list(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE status = $1 ORDER BY received_at`,
		string(domain.StatusUnclassified),
	)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Reading, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.list(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE status = ANY($1) ORDER BY ts`,
		names,
	)
}

// List pages through all readings, newest first.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*domain.Reading, error) {
	return s.list(ctx,
		`SELECT `+readingColumns+` FROM readings ORDER BY ts DESC, id LIMIT $1 OFFSET $2`,
		limit, offset,
	)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*domain.Reading, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []*domain.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var updatableColumns = map[string]string{
	domain.FieldStatus:          "status",
	domain.FieldAccidentType:    "accident_type",
	domain.FieldConfidence:      "confidence",
	domain.FieldAddress:         "address",
	domain.FieldSpeedTrajectory: "speed_trajectory",
	domain.FieldLastAnalyzed:    "last_analyzed",
}

// UpdateFields writes only the named pipeline columns, in one statement, so
// every field lands together and other writers' columns are left alone.
func (s *PostgresStore) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names))
	args := make([]any, 0, len(names)+1)
	for _, name := range names {
		col, ok := updatableColumns[name]
		if !ok {
			return fmt.Errorf("field %q is not writable", name)
		}
		val, err := columnValue(name, fields[name])
		if err != nil {
			return err
		}
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE readings SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update reading %s: %w", domain.ErrStoreWrite, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: reading %s: %w", domain.ErrStoreWrite, id, domain.ErrNotFound)
	}
	return nil
}

func columnValue(name string, v any) (any, error) {
	switch name {
	case domain.FieldStatus:
		var st domain.Status
		switch t := v.(type) {
		case domain.Status:
			st = t
		case string:
			st = domain.Status(t)
		default:
			return nil, fmt.Errorf("status must be a string, got %T", v)
		}
		if st == "" || st == domain.StatusUnclassified {
			return nil, fmt.Errorf("status cannot move back to %q", domain.StatusUnclassified)
		}
		return string(st), nil
	case domain.FieldSpeedTrajectory:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode trajectory: %w", err)
		}
		return string(b), nil
	default:
		return v, nil
	}
}

// OwnerEmail looks up the registered owner of a device.
func (s *PostgresStore) OwnerEmail(ctx context.Context, deviceID string) (string, error) {
	var email string
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(owner_email, '') FROM devices WHERE device_id = $1`,
		deviceID,
	).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("owner lookup for %s: %w", deviceID, err)
	}
	return email, nil
}
