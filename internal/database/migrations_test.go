package database

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cadenza-app/backend/internal/entity"
)

func TestApplyMigrationsSeedsSequenceCounterFromExistingRows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&entity.Record{}, &entity.SequenceCounter{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Now().UTC()
	for index, seq := range []int64{2, 5, 3} {
		record := entity.Record{
			UserID:     "user-1",
			EntityType: entity.TypeLogbookEntry,
			EntityID:   []string{"e1", "e2", "e3"}[index],
			DataJSON:   "{}",
			Checksum:   []string{"a", "b", "c"}[index],
			Version:    1,
			Seq:        seq,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := database.Create(&record).Error; err != nil {
			testContext.Fatalf("failed to insert entity row: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var counter entity.SequenceCounter
	if err := database.Where("name = ?", entity.EntitySeqCounterName).Take(&counter).Error; err != nil {
		testContext.Fatalf("expected counter row to be seeded: %v", err)
	}
	if counter.Value != 5 {
		testContext.Fatalf("expected counter value 5, got %d", counter.Value)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationSeedEntitySequenceCounter).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("reapplying migrations should be a no-op: %v", err)
	}
}

func TestApplyMigrationsLeavesEmptyDatabaseAlone(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "empty.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&entity.Record{}, &entity.SequenceCounter{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var counters []entity.SequenceCounter
	if err := database.Find(&counters).Error; err != nil {
		testContext.Fatalf("failed to list counters: %v", err)
	}
	if len(counters) != 0 {
		testContext.Fatalf("expected no counter rows on a fresh database, got %d", len(counters))
	}
}
