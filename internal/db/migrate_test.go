package db

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testMigrations = os.DirFS("testdata")

func expectLock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_lock").
		WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
}

func expectUnlock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func TestMigrate_FreshDB(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectLock(mock)
	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))

	for _, name := range []string{"001_widgets.sql", "002_widget_name.sql"} {
		mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("EXEC", 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WithArgs(name).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	expectUnlock(mock)

	require.NoError(t, Migrate(context.Background(), mock, testMigrations, "migrations"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SkipsApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectLock(mock)
	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_widgets.sql"))
	mock.ExpectExec("ALTER TABLE widgets").WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("002_widget_name.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectUnlock(mock)

	require.NoError(t, Migrate(context.Background(), mock, testMigrations, "migrations"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_ApplyErrorStillUnlocks(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectLock(mock)
	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec("CREATE TABLE widgets").WillReturnError(errors.New("syntax error"))
	expectUnlock(mock)

	err = Migrate(context.Background(), mock, testMigrations, "migrations")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply migration 001_widgets.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_LockError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").
		WithArgs(migrationLockID).
		WillReturnError(errors.New("connection refused"))

	err = Migrate(context.Background(), mock, testMigrations, "migrations")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "advisory lock")
}
