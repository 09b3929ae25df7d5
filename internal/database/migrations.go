package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cadenza-app/backend/internal/entity"
)

const migrationSeedEntitySequenceCounter = "2026-05-11_seed_entity_sequence_counter"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedEntitySequenceCounter, apply: seedEntitySequenceCounter},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// seedEntitySequenceCounter brings the counter row in line with rows written
// before the counter table existed, so new writes continue the sequence
// instead of restarting from one.
func seedEntitySequenceCounter(db *gorm.DB) error {
	var highestSeq int64
	if err := db.Model(&entity.Record{}).Select("COALESCE(MAX(seq), 0)").Scan(&highestSeq).Error; err != nil {
		return err
	}
	if highestSeq == 0 {
		return nil
	}

	var counter entity.SequenceCounter
	err := db.Where("name = ?", entity.EntitySeqCounterName).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Create(&entity.SequenceCounter{Name: entity.EntitySeqCounterName, Value: highestSeq}).Error
	}
	if err != nil {
		return err
	}
	if counter.Value >= highestSeq {
		return nil
	}
	return db.Model(&entity.SequenceCounter{}).
		Where("name = ?", entity.EntitySeqCounterName).
		Update("value", highestSeq).Error
}
