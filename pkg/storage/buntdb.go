package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/logger"
	"github.com/raykavin/capvault/pkg/logger/zerolog"
	"github.com/tidwall/buntdb"
)

const (
	stateKey      = "state"
	recordPrefix  = "record:"
	createdIndex  = "created_index"
	recordPattern = recordPrefix + "*"
)

// BuntStorage implements core.LedgerStorage using BuntDB
type BuntStorage struct {
	db  *buntdb.DB
	log logger.Logger
}

// BuntOption configures a BuntStorage
type BuntOption func(*BuntStorage)

// WithBuntLogger sets the logger used to report unreadable entries
func WithBuntLogger(log logger.Logger) BuntOption {
	return func(b *BuntStorage) {
		b.log = log
	}
}

// FromMemory creates an in-memory storage
func FromMemory(options ...BuntOption) (*BuntStorage, error) {
	return NewBuntStorage(":memory:", options...)
}

// FromFile creates a file-based storage
func FromFile(file string, options ...BuntOption) (*BuntStorage, error) {
	return NewBuntStorage(file, options...)
}

// NewBuntStorage creates a new BuntDB storage instance
func NewBuntStorage(sourceFile string, options ...BuntOption) (*BuntStorage, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}

	err = db.CreateIndex(createdIndex, recordPattern, buntdb.IndexJSON("created_nano"))
	if err != nil && !errors.Is(err, buntdb.ErrIndexExists) {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	storage := &BuntStorage{db: db, log: zerolog.NewNop()}
	for _, option := range options {
		option(storage)
	}
	return storage, nil
}

// LoadState returns the last saved state
func (b *BuntStorage) LoadState(_ context.Context) (core.State, bool, error) {
	var content string
	err := b.db.View(func(tx *buntdb.Tx) error {
		var err error
		content, err = tx.Get(stateKey)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return core.State{}, false, nil
	}
	if err != nil {
		return core.State{}, false, fmt.Errorf("failed to load state: %w", err)
	}

	state, err := decodeState(content)
	if err != nil {
		return core.State{}, false, err
	}
	return state, true, nil
}

// SaveState stores the state and appends the record in one transaction
func (b *BuntStorage) SaveState(ctx context.Context, state core.State, record core.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	content, err := encodeState(state)
	if err != nil {
		return err
	}
	entry, err := json.Marshal(newRecordDTO(record))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return b.db.Update(func(tx *buntdb.Tx) error {
		key := recordPrefix + record.ID
		if _, err := tx.Get(key); err == nil {
			return fmt.Errorf("record %s already stored", record.ID)
		}

		if _, _, err := tx.Set(stateKey, content, nil); err != nil {
			return fmt.Errorf("failed to store state: %w", err)
		}
		if _, _, err := tx.Set(key, string(entry), nil); err != nil {
			return fmt.Errorf("failed to store record: %w", err)
		}
		return nil
	})
}

// Records retrieves records in creation order based on provided filters
func (b *BuntStorage) Records(_ context.Context, filters ...core.RecordFilter) ([]core.Record, error) {
	records := make([]core.Record, 0)

	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(createdIndex, func(key, value string) bool {
			var dto recordDTO
			if err := json.Unmarshal([]byte(value), &dto); err != nil {
				b.log.WithError(err).Warnf("skipping unreadable record %s", key)
				return true
			}

			record, err := dto.toRecord()
			if err != nil {
				b.log.WithError(err).Warnf("skipping unreadable record %s", key)
				return true
			}

			if core.Match(record, filters...) {
				records = append(records, record)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate over records: %w", err)
	}

	return records, nil
}

// Close closes the database connection
func (b *BuntStorage) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
