package db_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/billingcore/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type counter struct {
	Name  string `gorm:"primaryKey"`
	Value int
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.AutoMigrate(&counter{}))
	return conn
}

func count(t *testing.T, conn *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(&counter{}).Count(&n).Error)
	return n
}

func TestTransactionCommits(t *testing.T) {
	conn := openDB(t)

	err := db.Transaction(context.Background(), conn, func(ctx context.Context) error {
		_, ok := db.TxFromContext(ctx)
		assert.True(t, ok)
		return db.Conn(ctx, conn).Create(&counter{Name: "a", Value: 1}).Error
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, conn))
}

func TestNestedTransactionJoinsOuter(t *testing.T) {
	conn := openDB(t)
	boom := errors.New("boom")

	err := db.Transaction(context.Background(), conn, func(ctx context.Context) error {
		if err := db.Conn(ctx, conn).Create(&counter{Name: "outer"}).Error; err != nil {
			return err
		}
		// With a single connection a separate transaction here would block.
		if err := db.Transaction(ctx, conn, func(ctx context.Context) error {
			return db.Conn(ctx, conn).Create(&counter{Name: "inner"}).Error
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), count(t, conn), "inner writes roll back with the outer transaction")
}

func TestConnWithoutTransaction(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()

	_, ok := db.TxFromContext(ctx)
	assert.False(t, ok)
	require.NoError(t, db.Conn(ctx, conn).Create(&counter{Name: "plain"}).Error)
	assert.Equal(t, int64(1), count(t, conn))
}

func TestIsDuplicateKeyErr(t *testing.T) {
	conn := openDB(t)
	require.NoError(t, conn.Create(&counter{Name: "dup"}).Error)

	err := conn.Create(&counter{Name: "dup"}).Error
	require.Error(t, err)
	assert.True(t, db.IsDuplicateKeyErr(err))
	assert.False(t, db.IsDuplicateKeyErr(nil))
	assert.False(t, db.IsDuplicateKeyErr(errors.New("connection reset")))
}

func TestForUpdateSkippedOnSQLite(t *testing.T) {
	conn := openDB(t)
	stmt := db.ForUpdate(conn).Session(&gorm.Session{DryRun: true}).Find(&[]counter{}).Statement
	assert.NotContains(t, stmt.SQL.String(), "FOR UPDATE")
}
