package main

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ppops/stub-gateway/internal/database"
)

func setupTestDBMain(t *testing.T) func() {
	t.Helper()
	var err error
	database.DB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.DB.AutoMigrate(&database.LoadHistory{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return func() {
		sqlDB, _ := database.DB.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}
}

func TestPurgeOldHistories_EmptyDB(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	// Should not panic or error with nothing to purge
	purgeOldHistories(90)
}

func TestPurgeOldHistories_RemovesOnlyExpired(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	rows := []database.LoadHistory{
		{BatchID: "b1", CustomerNumber: "123456789", StartedAt: time.Now()},
		{BatchID: "b2", CustomerNumber: "987654321", StartedAt: time.Now()},
	}
	if err := database.DB.Create(&rows).Error; err != nil {
		t.Fatalf("seed rows: %v", err)
	}
	old := time.Now().AddDate(0, 0, -120)
	if err := database.DB.Model(&database.LoadHistory{}).
		Where("batch_id = ?", "b1").Update("created_at", old).Error; err != nil {
		t.Fatalf("age row: %v", err)
	}

	purgeOldHistories(90)

	var count int64
	if err := database.DB.Model(&database.LoadHistory{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("rows after purge = %d, want 1", count)
	}

	var left database.LoadHistory
	if err := database.DB.First(&left).Error; err != nil {
		t.Fatalf("load survivor: %v", err)
	}
	if left.BatchID != "b2" {
		t.Fatalf("survivor batch = %s, want b2", left.BatchID)
	}
}

func TestPurgeOldHistories_InvalidRetentionLogsAndKeeps(t *testing.T) {
	cleanup := setupTestDBMain(t)
	defer cleanup()

	rows := []database.LoadHistory{{BatchID: "b1", CustomerNumber: "123456789", StartedAt: time.Now()}}
	if err := database.DB.Create(&rows).Error; err != nil {
		t.Fatalf("seed rows: %v", err)
	}
	old := time.Now().AddDate(0, 0, -120)
	if err := database.DB.Model(&database.LoadHistory{}).
		Where("batch_id = ?", "b1").Update("created_at", old).Error; err != nil {
		t.Fatalf("age row: %v", err)
	}

	// 5 days is below the retention floor; the purge must refuse and leave
	// the rows alone.
	purgeOldHistories(5)

	var count int64
	if err := database.DB.Model(&database.LoadHistory{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("rows after refused purge = %d, want 1", count)
	}
}
