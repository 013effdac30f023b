// Package store is the durable side of the messaging engine: sqlite-backed
// CRUD over channels, messages, reactions, memberships, read receipts and
// typing rows. Every committed mutation is published to the feed hub in
// commit order, which is what keeps live sessions current.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"parish-chat/internal/chat"
	"parish-chat/internal/feed"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

type Store struct {
	db     *gorm.DB
	hub    *feed.Hub
	logger *zap.SugaredLogger
}

// Open connects to the sqlite database at dsn, runs migrations and wires
// the feed hub. Use ":memory:" for tests.
func Open(logger *zap.SugaredLogger, hub *feed.Hub, dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dsn,
	}, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&chat.Channel{},
		&chat.Membership{},
		&chat.Message{},
		&chat.Reaction{},
		&chat.ReadReceipt{},
		&chat.TypingIndicator{},
	)
	if err != nil {
		return nil, err
	}

	return &Store{db: db, hub: hub, logger: logger}, nil
}

// DB exposes the underlying handle for components with their own tables
// (metrics snapshots).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// nowUTC is the single clock for persisted timestamps. Converting to UTC
// strips the monotonic reading, so the text form sqlite stores compares
// consistently with values read back from the database; a raw time.Now()
// would serialize with the monotonic suffix and sort after its own
// round-tripped copy.
func nowUTC() time.Time {
	return time.Now().UTC()
}

// translate maps driver-level failures onto the engine's error taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.ErrNotFound
	}
	if isUniqueViolation(err) {
		return chat.ErrConflict
	}
	return fmt.Errorf("%w: %v", chat.ErrTransientIO, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
