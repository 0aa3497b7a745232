package sink

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/coffersTech/labxstream/internal/model"
)

// Record is the log_entries row.
type Record struct {
	ID                  string                     `gorm:"primaryKey;size:191"`
	Timestamp           time.Time                  `gorm:"index;not null"`
	Level               string                     `gorm:"size:16;index"`
	Source              string                     `gorm:"size:191"`
	Layer               string                     `gorm:"size:16;index"`
	Protocol            string                     `gorm:"size:64"`
	Message             string                     `gorm:"type:text"`
	Direction           string                     `gorm:"size:16"`
	MessageID           string                     `gorm:"size:191"`
	StepID              string                     `gorm:"size:191"`
	ExecutionID         string                     `gorm:"size:191;index"`
	TestCaseID          string                     `gorm:"size:191;index"`
	RawData             string                     `gorm:"type:text"`
	Data                map[string]any             `gorm:"serializer:json"`
	DecodedData         any                        `gorm:"serializer:json"`
	InformationElements []model.InformationElement `gorm:"serializer:json"`
	ValidationResult    any                        `gorm:"serializer:json"`
	PerformanceData     any                        `gorm:"serializer:json"`
	CreatedAt           time.Time
}

func (Record) TableName() string { return "log_entries" }

func toRecord(e model.LogEntry) Record {
	return Record{
		ID:                  e.ID,
		Timestamp:           e.Timestamp,
		Level:               string(e.Level),
		Source:              e.Source,
		Layer:               string(e.Layer),
		Protocol:            e.Protocol,
		Message:             e.Message,
		Direction:           string(e.Direction),
		MessageID:           e.MessageID,
		StepID:              e.StepID,
		ExecutionID:         e.ExecutionID,
		TestCaseID:          e.TestCaseID,
		RawData:             e.RawData,
		Data:                e.Data,
		DecodedData:         e.DecodedData,
		InformationElements: e.InformationElements,
		ValidationResult:    e.ValidationResult,
		PerformanceData:     e.PerformanceData,
	}
}

// Postgres inserts entries into the log_entries table. Rows whose id
// already exists are left untouched.
type Postgres struct {
	db        *gorm.DB
	batchSize int
}

func NewPostgres(db *gorm.DB, batchSize int) *Postgres {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Postgres{db: db, batchSize: batchSize}
}

// OpenPostgres connects to dsn and migrates the log_entries table.
func OpenPostgres(dsn string, batchSize int, log gormlogger.Interface) (*Postgres, error) {
	cfg := &gorm.Config{}
	if log != nil {
		cfg.Logger = log
	}
	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: %v", ErrOpenSink, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("%w: migrate log_entries: %v", ErrOpenSink, err)
	}
	return NewPostgres(db, batchSize), nil
}

func (p *Postgres) Write(ctx context.Context, entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]Record, len(entries))
	for i, e := range entries {
		records[i] = toRecord(e)
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(records, p.batchSize).Error
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
