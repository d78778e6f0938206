// Package postgres implements the License Store on PostgreSQL with pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"keyserver/internal/config"
	apperrors "keyserver/internal/errors"
	"keyserver/internal/license"
)

const (
	uniqueViolation = "23505"

	primaryKeyConstraint = "licenses_pkey"
	userIDConstraint     = "licenses_user_id_key"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS licenses (
		license_key  TEXT PRIMARY KEY,
		email        TEXT NOT NULL,
		user_id      TEXT,
		name         TEXT,
		phone        TEXT,
		status       TEXT NOT NULL DEFAULT 'ASSIGNED' CHECK (status IN ('ASSIGNED', 'ACTIVATED')),
		machine_id   TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		activated_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + userIDConstraint + ` ON licenses (user_id) WHERE user_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS licenses_email_idx ON licenses (email)`,
}

const selectColumns = `license_key, email, user_id, name, phone, status, machine_id, created_at, activated_at`

// DBTX is the subset of pgxpool.Pool the store uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Store persists licenses in the licenses table.
type Store struct {
	db     DBTX
	logger *slog.Logger
}

// New wraps an open connection or pool.
func New(db DBTX, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With(slog.String("component", "postgres_store"))}
}

// Open connects a pool to cfg.PostgresDSN and applies the schema. The
// returned close func releases the pool.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Store, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, apperrors.NewStorageError("create postgres pool", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, nil, apperrors.NewStorageError("postgres ping failed", err)
	}

	store := New(pool, logger)
	if err := store.Migrate(connectCtx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	store.logger.Info("postgres license store ready")
	return store, pool.Close, nil
}

// Migrate creates the table and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return apperrors.NewStorageError("apply schema", err)
		}
	}
	return nil
}

func (s *Store) FindByKey(ctx context.Context, key string) (*license.License, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM licenses WHERE license_key = $1`, key)
	return scanLicense(row)
}

func (s *Store) FindByEmailAndKey(ctx context.Context, email, key string) (*license.License, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM licenses WHERE license_key = $1 AND email = $2`, key, email)
	return scanLicense(row)
}

func (s *Store) Create(ctx context.Context, lic *license.License) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO licenses (license_key, email, user_id, name, phone, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		lic.LicenseKey, lic.Email, text(lic.UserID), text(lic.Name), text(lic.Phone),
		string(lic.Status), lic.CreatedAt)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == userIDConstraint {
			return license.ErrDuplicateUserID
		}
		return license.ErrDuplicateKey
	}
	return fmt.Errorf("insert license: %w", err)
}

// Update applies the activation only while the row still has the expected
// status. Zero matched rows is a lost race unless the key is unknown.
func (s *Store) Update(ctx context.Context, lic *license.License, expected license.Status) (*license.License, error) {
	var activatedAt pgtype.Timestamptz
	if lic.ActivatedAt != nil {
		activatedAt = pgtype.Timestamptz{Time: *lic.ActivatedAt, Valid: true}
	}

	row := s.db.QueryRow(ctx, `
		UPDATE licenses
		SET status = $2, machine_id = $3, activated_at = $4
		WHERE license_key = $1 AND status = $5
		RETURNING `+selectColumns,
		lic.LicenseKey, string(lic.Status), text(lic.MachineID), activatedAt, string(expected))

	updated, err := scanLicense(row)
	if !errors.Is(err, license.ErrNotFound) {
		return updated, err
	}

	if _, findErr := s.FindByKey(ctx, lic.LicenseKey); findErr != nil {
		return nil, findErr
	}
	return nil, license.ErrTransitionConflict
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func scanLicense(row pgx.Row) (*license.License, error) {
	var (
		lic                            license.License
		status                         string
		userID, name, phone, machineID pgtype.Text
		createdAt                      time.Time
		activatedAt                    pgtype.Timestamptz
	)
	err := row.Scan(&lic.LicenseKey, &lic.Email, &userID, &name, &phone, &status, &machineID, &createdAt, &activatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, license.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan license: %w", err)
	}

	lic.UserID = userID.String
	lic.Name = name.String
	lic.Phone = phone.String
	lic.Status = license.Status(status)
	lic.MachineID = machineID.String
	lic.CreatedAt = createdAt.UTC()
	if activatedAt.Valid {
		at := activatedAt.Time.UTC()
		lic.ActivatedAt = &at
	}
	return &lic, nil
}

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
