// Package nonce is the authority for "has this message been delivered".
// It persists one record per (source_account, nonce) pair in a GORM-backed
// SQLite database and enforces the forward-only delivery state machine.
package nonce

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Delivery states. They only advance forward: pending -> submitted ->
// confirmed, or -> failed once retries are exhausted. Confirmed and failed
// are terminal.
const (
	StatePending   = "pending"
	StateSubmitted = "submitted"
	StateConfirmed = "confirmed"
	StateFailed    = "failed"
)

// Record tracks delivery progress for one (source_account, nonce) pair.
type Record struct {
	gorm.Model
	SourceAccount string `gorm:"uniqueIndex:idx_source_nonce;not null"`
	Nonce         uint64 `gorm:"uniqueIndex:idx_source_nonce;not null"`
	State         string `gorm:"index;not null"`
	L2Signature   string
	Attempts      uint
	LastAttemptAt time.Time
}

const (
	// inMemoryDSN creates an ephemeral SQLite database, used by tests.
	inMemoryDSN = ":memory:"

	dirPermissions = 0o750
)

// gormConfig silences GORM's own logging; the relayer logs through zap.
var gormConfig = &gorm.Config{
	Logger: logger.Default.LogMode(logger.Silent),
}

// Store wraps the GORM client and owns schema migration.
type Store struct {
	client *gorm.DB
}

// OpenFileStore opens (or creates) a file-backed SQLite database in dir and
// migrates the schema.
func OpenFileStore(dir, filename string) (*Store, error) {
	if err := ensureDir(dir); err != nil {
		return nil, errors.Wrap(err, "failed to prepare database directory")
	}
	return openSQLite(fmt.Sprintf("%s/%s", dir, filename))
}

// OpenInMemoryStore opens a non-persistent database, for tests.
func OpenInMemoryStore() (*Store, error) {
	return openSQLite(inMemoryDSN)
}

func openSQLite(dsn string) (*Store, error) {
	// WAL with a single connection is the stable configuration for SQLite
	// under concurrent readers.
	if dsn != inMemoryDSN && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&mode=rwc"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SQLite database")
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate nonce schema")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	return &Store{client: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve native sql.DB")
	}
	return errors.Wrap(sqlDB.Close(), "failed to close database connection")
}

// get fetches the record for a pair, or nil when none exists.
func (s *Store) get(source string, nonce uint64) (*Record, error) {
	var rec Record
	err := s.client.
		Where("source_account = ? AND nonce = ?", source, nonce).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query nonce record")
	}
	return &rec, nil
}

// create inserts a fresh record.
func (s *Store) create(rec *Record) error {
	return errors.Wrap(s.client.Create(rec).Error, "failed to create nonce record")
}

// save persists all fields of an existing record.
func (s *Store) save(rec *Record) error {
	return errors.Wrap(s.client.Save(rec).Error, "failed to save nonce record")
}

// listByState returns all records in the given state, oldest first.
func (s *Store) listByState(state string) ([]Record, error) {
	var recs []Record
	err := s.client.
		Where("state = ?", state).
		Order("updated_at asc").
		Find(&recs).Error
	return recs, errors.Wrap(err, "failed to list nonce records")
}

func ensureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, dirPermissions)
	} else if err != nil {
		return err
	}
	return nil
}
