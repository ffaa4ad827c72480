package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raykavin/capvault/pkg/core"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// stateRow holds the single serialized ledger state.
type stateRow struct {
	ID        uint   `gorm:"primaryKey"`
	Payload   string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (stateRow) TableName() string { return "ledger_state" }

const stateRowID = 1

// SQLStorage implements core.LedgerStorage using a SQL database via GORM
type SQLStorage struct {
	db *gorm.DB
}

// FromSQL creates a new SQL storage instance
func FromSQL(dialect gorm.Dialector, opts ...gorm.Option) (*SQLStorage, error) {
	db, err := gorm.Open(dialect, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&stateRow{}, &recordDTO{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLStorage{db: db}, nil
}

// LoadState returns the last saved state
func (s *SQLStorage) LoadState(ctx context.Context) (core.State, bool, error) {
	var row stateRow
	result := s.db.WithContext(ctx).First(&row, stateRowID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return core.State{}, false, nil
	}
	if result.Error != nil {
		return core.State{}, false, fmt.Errorf("failed to load state: %w", result.Error)
	}

	state, err := decodeState(row.Payload)
	if err != nil {
		return core.State{}, false, err
	}
	return state, true, nil
}

// SaveState upserts the state and inserts the record in one transaction
func (s *SQLStorage) SaveState(ctx context.Context, state core.State, record core.Record) error {
	payload, err := encodeState(state)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := stateRow{ID: stateRowID, Payload: payload, UpdatedAt: record.CreatedAt}
		result := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row)
		if result.Error != nil {
			return fmt.Errorf("failed to store state: %w", result.Error)
		}

		dto := newRecordDTO(record)
		if result := tx.Create(&dto); result.Error != nil {
			return fmt.Errorf("failed to store record: %w", result.Error)
		}
		return nil
	})
}

// Records retrieves records in creation order based on provided filters
func (s *SQLStorage) Records(ctx context.Context, filters ...core.RecordFilter) ([]core.Record, error) {
	var rows []recordDTO

	result := s.db.WithContext(ctx).Order("created_nano asc").Find(&rows)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to fetch records: %w", result.Error)
	}

	records := make([]core.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	// filters are plain functions, so they run in memory
	return lo.Filter(records, func(record core.Record, _ int) bool {
		return core.Match(record, filters...)
	}), nil
}

// RecordsWithQuery allows for more customized querying using GORM's query builder
func (s *SQLStorage) RecordsWithQuery(ctx context.Context, query func(*gorm.DB) *gorm.DB) ([]core.Record, error) {
	var rows []recordDTO

	result := query(s.db.WithContext(ctx).Model(&recordDTO{})).Find(&rows)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to execute query: %w", result.Error)
	}

	return lo.FilterMap(rows, func(row recordDTO, _ int) (core.Record, bool) {
		record, err := row.toRecord()
		return record, err == nil
	}), nil
}

// Close closes the database connection
func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	return sqlDB.Close()
}
