package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func newMockPool(t *testing.T, cfg PoolConfig) (*PoolManager, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	pm, err := NewPoolManager(gormDB, cfg, zap.NewNop())
	require.NoError(t, err)
	return pm, mock
}

func smallPool() PoolConfig {
	return PoolConfig{MaxOpenConns: 4, MaxIdleConns: 2}
}

func TestNewPoolManager(t *testing.T) {
	pm, _ := newMockPool(t, smallPool())
	assert.NotNil(t, pm.DB())
	assert.Equal(t, 4, pm.Stats().MaxOpenConnections)

	_, err := NewPoolManager(nil, smallPool(), nil)
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	pm, mock := newMockPool(t, smallPool())

	mock.ExpectPing()
	assert.NoError(t, pm.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.ErrorIs(t, pm.Ping(context.Background()), sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_CheckHealthReportsStats(t *testing.T) {
	pm, mock := newMockPool(t, smallPool())

	var got []sql.DBStats
	pm.OnStats(func(s sql.DBStats) { got = append(got, s) })

	mock.ExpectPing()
	require.NoError(t, pm.checkHealth(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].MaxOpenConnections)

	mock.ExpectPing().WillReturnError(errors.New("down"))
	assert.Error(t, pm.checkHealth(context.Background()))
	assert.Len(t, got, 1, "failed checks do not report stats")
}

func TestPoolManager_TransactionCommitAndRollback(t *testing.T) {
	pm, mock := newMockPool(t, smallPool())
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, pm.WithTransaction(ctx, func(*gorm.DB) error { return nil }))

	mock.ExpectBegin()
	mock.ExpectRollback()
	assert.ErrorIs(t, pm.WithTransaction(ctx, func(*gorm.DB) error { return assert.AnError }), assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_TransactionRetriesTransientErrors(t *testing.T) {
	cfg := smallPool()
	cfg.TxAttempts = 3
	cfg.TxBackoff = time.Millisecond
	pm, mock := newMockPool(t, cfg)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	var attempts atomic.Int32
	err := pm.WithTransaction(context.Background(), func(*gorm.DB) error {
		if attempts.Add(1) == 1 {
			return errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_TransactionGivesUp(t *testing.T) {
	cfg := smallPool()
	cfg.TxAttempts = 2
	pm, mock := newMockPool(t, cfg)

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	err := pm.WithTransaction(context.Background(), func(*gorm.DB) error {
		return driver.ErrBadConn
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestPoolManager_TransactionDoesNotRetryPermanentErrors(t *testing.T) {
	cfg := smallPool()
	cfg.TxAttempts = 3
	pm, mock := newMockPool(t, cfg)

	mock.ExpectBegin()
	mock.ExpectRollback()

	var attempts int
	err := pm.WithTransaction(context.Background(), func(*gorm.DB) error {
		attempts++
		return errors.New("duplicate key value violates unique constraint")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.NotContains(t, err.Error(), "attempts")
}

func TestPoolManager_TransactionStopsOnCancel(t *testing.T) {
	cfg := smallPool()
	cfg.TxAttempts = 5
	cfg.TxBackoff = time.Hour
	pm, mock := newMockPool(t, cfg)

	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx, cancel := context.WithCancel(context.Background())
	err := pm.WithTransaction(ctx, func(*gorm.DB) error {
		cancel()
		return errors.New("database is locked")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolManager_Close(t *testing.T) {
	cfg := smallPool()
	cfg.HealthCheckInterval = 5 * time.Millisecond
	pm, mock := newMockPool(t, cfg)

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 20; i++ {
		mock.ExpectPing()
	}
	time.Sleep(20 * time.Millisecond)

	mock.ExpectClose()
	require.NoError(t, pm.Close())
	assert.ErrorIs(t, pm.Ping(context.Background()), ErrPoolClosed)
	assert.ErrorIs(t, pm.WithTransaction(context.Background(), func(*gorm.DB) error { return nil }), ErrPoolClosed)
	// 重复关闭无副作用
	assert.NoError(t, pm.Close())
}

func TestIsTransient(t *testing.T) {
	transient := []error{
		errors.New("deadlock detected"),
		errors.New("could not serialize access due to concurrent update"),
		errors.New("SQLSTATE 40001"),
		errors.New("read: connection reset by peer"),
		errors.New("Lock wait timeout exceeded; try restarting transaction"),
		errors.New("database is locked (5) (SQLITE_BUSY)"),
		fmt.Errorf("exec: %w", driver.ErrBadConn),
	}
	for _, err := range transient {
		assert.True(t, IsTransient(err), err.Error())
	}
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("syntax error at or near \"FROM\"")))
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr string
	}{
		{name: "valid", config: PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5, TxAttempts: 3}},
		{name: "open", config: PoolConfig{MaxIdleConns: 5}, wantErr: "max_open_conns"},
		{name: "idle", config: PoolConfig{MaxOpenConns: 10}, wantErr: "max_idle_conns must be positive"},
		{name: "idle > open", config: PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}, wantErr: "must not exceed"},
		{name: "attempts", config: PoolConfig{MaxOpenConns: 5, MaxIdleConns: 1, TxAttempts: -1}, wantErr: "tx_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
	assert.NoError(t, DefaultPoolConfig().Validate())
}
