package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ProcessedExecution{}))
	return db
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory(3)

	assert.False(t, m.Seen("E1"))
	m.MarkSeen("E1")
	m.MarkSeen("E1")
	assert.True(t, m.Seen("E1"))
	assert.Equal(t, 1, m.Len())

	m.MarkSeen("E2")
	m.MarkSeen("E3")
	m.MarkSeen("E4")
	assert.False(t, m.Seen("E1"), "oldest id should be evicted")
	assert.True(t, m.Seen("E4"))
	assert.Equal(t, 3, m.Len())
}

func TestDurableSurvivesRestart(t *testing.T) {
	db := setupTestDB(t)

	first := NewDurable(db, 10, time.Hour)
	first.MarkSeen("E1")
	require.NoError(t, first.Persist(db, "E1"))
	assert.True(t, first.Seen("E1"))

	second := NewDurable(db, 10, time.Hour)
	assert.True(t, second.Seen("E1"))
	assert.False(t, second.Seen("E2"))
}

func TestDurableMarkSeenWaitsForPersist(t *testing.T) {
	db := setupTestDB(t)

	first := NewDurable(db, 10, time.Hour)
	first.MarkSeen("E1")
	assert.True(t, first.Seen("E1"))

	var count int64
	require.NoError(t, db.Model(&ProcessedExecution{}).Count(&count).Error)
	assert.Equal(t, int64(0), count, "marking must not write the table")

	// a rolled back transaction leaves the id unknown after a restart
	err := db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, first.Persist(tx, "E1"))
		return errors.New("position write failed")
	})
	require.Error(t, err)
	assert.False(t, NewDurable(db, 10, time.Hour).Seen("E1"))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return first.Persist(tx, "E1")
	}))
	assert.True(t, NewDurable(db, 10, time.Hour).Seen("E1"))
}

func TestDurableIgnoresExpired(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Create(&ProcessedExecution{
		ExecutionID: "OLD",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}).Error)

	store := NewDurable(db, 10, time.Hour)
	assert.False(t, store.Seen("OLD"))

	sweeper := NewSweeper(store, time.Minute)
	sweeper.Sweep()

	var count int64
	require.NoError(t, db.Model(&ProcessedExecution{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestSweeperStopsOnCancel(t *testing.T) {
	db := setupTestDB(t)
	sweeper := NewSweeper(NewDurable(db, 10, time.Hour), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
