package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func mockPostgres(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	return mock, db
}

func TestNewPool(t *testing.T) {
	_, err := NewPool(nil, PoolConfig{}, nil)
	assert.Error(t, err)

	_, db := mockPostgres(t)
	p, err := NewPool(db, PoolConfig{MaxOpenConns: 7, MaxIdleConns: 3}, zap.NewNop())
	require.NoError(t, err)
	assert.Same(t, db, p.DB())
	assert.Equal(t, 7, p.Stats().MaxOpenConnections)
}

func TestPool_Ping(t *testing.T) {
	mock, db := mockPostgres(t)
	p, err := NewPool(db, PoolConfig{}, nil)
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, p.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.ErrorIs(t, p.Ping(context.Background()), sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_CloseStopsPingLoop(t *testing.T) {
	mock, db := mockPostgres(t)
	p, err := NewPool(db, PoolConfig{PingInterval: time.Hour}, nil)
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.ErrorIs(t, p.Ping(context.Background()), ErrClosed)
}

func TestOpen_SQLite(t *testing.T) {
	p, err := Open(context.Background(), Options{
		Driver: DriverSQLite,
		DSN:    "file::memory:",
		Pool:   PoolConfig{MaxOpenConns: 1},
	}, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	var one int
	require.NoError(t, p.DB().Raw("SELECT 1").Scan(&one).Error)
	assert.Equal(t, 1, one)
}

func TestDialector(t *testing.T) {
	for _, d := range []string{"sqlite", "SQLite3", "postgres", "postgresql", "mysql"} {
		dl, err := Dialector(d, "dsn")
		require.NoError(t, err, d)
		assert.NotNil(t, dl)
	}

	_, err := Dialector("", "")
	assert.Error(t, err)
	_, err = Dialector("mongodb", "")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true},
		{errors.New("ERROR: could not serialize access due to concurrent update (SQLSTATE 40001)"), true},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("Error 1205: Lock wait timeout exceeded"), true},
		{errors.New("dial tcp 10.0.0.4:5432: connection refused"), true},
		{errors.New("driver: bad connection"), true},
		{sql.ErrConnDone, true},
		{errors.New("duplicate key value violates unique constraint"), false},
		{context.Canceled, false},
		{ErrClosed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(tt.err), "%v", tt.err)
	}
}
