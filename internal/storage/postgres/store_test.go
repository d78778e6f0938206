package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyserver/internal/license"
	"keyserver/internal/shared/testutil"
)

var columns = []string{"license_key", "email", "user_id", "name", "phone", "status", "machine_id", "created_at", "activated_at"}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return New(mock, nil), mock
}

func licenseRow(key, status, machine string, activatedAt *time.Time) *pgxmock.Rows {
	at := pgtype.Timestamptz{}
	if activatedAt != nil {
		at = pgtype.Timestamptz{Time: *activatedAt, Valid: true}
	}
	return pgxmock.NewRows(columns).AddRow(
		key, testutil.TestEmail,
		pgtype.Text{String: testutil.TestUserID, Valid: true},
		pgtype.Text{String: testutil.TestName, Valid: true},
		pgtype.Text{String: testutil.TestPhone, Valid: true},
		status,
		pgtype.Text{String: machine, Valid: machine != ""},
		time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		at,
	)
}

func TestMigrate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS licenses").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS licenses_user_id_key").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS licenses_email_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
}

func TestMigrateFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS licenses").WillReturnError(errors.New("permission denied"))

	assert.ErrorContains(t, store.Migrate(context.Background()), "permission denied")
}

func TestCreate(t *testing.T) {
	lic := &license.License{
		LicenseKey: "ABCD-1234-WXYZ",
		Email:      testutil.TestEmail,
		UserID:     testutil.TestUserID,
		Status:     license.StatusAssigned,
		CreatedAt:  time.Now().UTC(),
	}

	tests := []struct {
		name    string
		execErr error
		want    error
	}{
		{"inserted", nil, nil},
		{"duplicate key", &pgconn.PgError{Code: "23505", ConstraintName: "licenses_pkey"}, license.ErrDuplicateKey},
		{"duplicate user id", &pgconn.PgError{Code: "23505", ConstraintName: "licenses_user_id_key"}, license.ErrDuplicateUserID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			exp := mock.ExpectExec("INSERT INTO licenses").
				WithArgs(lic.LicenseKey, lic.Email,
					pgtype.Text{String: testutil.TestUserID, Valid: true},
					pgtype.Text{}, pgtype.Text{},
					"ASSIGNED", pgxmock.AnyArg())
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(pgxmock.NewResult("INSERT", 1))
			}

			err := store.Create(context.Background(), lic)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateOtherFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO licenses").WillReturnError(&pgconn.PgError{Code: "23514", Message: "check violation"})

	err := store.Create(context.Background(), &license.License{LicenseKey: "ABCD-1234-WXYZ", Status: "BOGUS"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, license.ErrDuplicateKey)
	assert.ErrorContains(t, err, "insert license")
}

func TestFindByKey(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE license_key").
		WithArgs("ABCD-1234-WXYZ").
		WillReturnRows(licenseRow("ABCD-1234-WXYZ", "ASSIGNED", "", nil))
	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE license_key").
		WithArgs("ZZZZ-ZZZZ-ZZZZ").
		WillReturnError(pgx.ErrNoRows)

	lic, err := store.FindByKey(context.Background(), "ABCD-1234-WXYZ")
	require.NoError(t, err)
	assert.Equal(t, license.StatusAssigned, lic.Status)
	assert.Equal(t, testutil.TestUserID, lic.UserID)
	assert.Equal(t, testutil.TestPhone, lic.Phone)
	assert.Empty(t, lic.MachineID)
	assert.Nil(t, lic.ActivatedAt)

	_, err = store.FindByKey(context.Background(), "ZZZZ-ZZZZ-ZZZZ")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestFindByEmailAndKey(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE license_key = \\$1 AND email = \\$2").
		WithArgs("ABCD-1234-WXYZ", testutil.TestEmail).
		WillReturnRows(licenseRow("ABCD-1234-WXYZ", "ACTIVATED", testutil.TestMachine, &at))

	lic, err := store.FindByEmailAndKey(context.Background(), testutil.TestEmail, "ABCD-1234-WXYZ")
	require.NoError(t, err)
	assert.Equal(t, license.StatusActivated, lic.Status)
	assert.Equal(t, testutil.TestMachine, lic.MachineID)
	require.NotNil(t, lic.ActivatedAt)
	assert.True(t, at.Equal(*lic.ActivatedAt))
}

func TestUpdate(t *testing.T) {
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	next := &license.License{
		LicenseKey:  "ABCD-1234-WXYZ",
		Email:       testutil.TestEmail,
		Status:      license.StatusActivated,
		MachineID:   testutil.TestMachine,
		ActivatedAt: &at,
	}

	t.Run("applied", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE licenses").
			WithArgs("ABCD-1234-WXYZ", "ACTIVATED",
				pgtype.Text{String: testutil.TestMachine, Valid: true},
				pgtype.Timestamptz{Time: at, Valid: true},
				"ASSIGNED").
			WillReturnRows(licenseRow("ABCD-1234-WXYZ", "ACTIVATED", testutil.TestMachine, &at))

		updated, err := store.Update(context.Background(), next, license.StatusAssigned)
		require.NoError(t, err)
		assert.Equal(t, license.StatusActivated, updated.Status)
		assert.Equal(t, testutil.TestMachine, updated.MachineID)
	})

	t.Run("lost race", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE licenses").WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("SELECT (.+) FROM licenses WHERE license_key").
			WithArgs("ABCD-1234-WXYZ").
			WillReturnRows(licenseRow("ABCD-1234-WXYZ", "ACTIVATED", testutil.TestMachine2, &at))

		_, err := store.Update(context.Background(), next, license.StatusAssigned)
		assert.ErrorIs(t, err, license.ErrTransitionConflict)
	})

	t.Run("unknown key", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE licenses").WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("SELECT (.+) FROM licenses WHERE license_key").WillReturnError(pgx.ErrNoRows)

		_, err := store.Update(context.Background(), next, license.StatusAssigned)
		assert.ErrorIs(t, err, license.ErrNotFound)
	})

	t.Run("driver failure", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE licenses").WillReturnError(errors.New("conn closed"))

		_, err := store.Update(context.Background(), next, license.StatusAssigned)
		assert.ErrorContains(t, err, "conn closed")
	})
}

func TestPing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectPing()
	assert.NoError(t, store.Ping(context.Background()))
}

// The store must satisfy the lifecycle contract.
var _ license.Store = (*Store)(nil)
