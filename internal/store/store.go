// Package store implements the RFMP persistent store contract (§4.4) on
// top of GORM with the pure-Go modernc.org/sqlite driver, following the
// dialector/pragma/AutoMigrate pattern the teacher uses for its own
// SQLite-backed lookup database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/n0call/rfmp/internal/rfmp"
)

// ErrIDMismatch is returned by InsertMessage when a message's declared
// id disagrees with its recomputed fingerprint (§3.1, §4.4).
var ErrIDMismatch = rfmp.ErrIDMismatch

// InsertOutcome reports whether InsertMessage added a new row or found
// an existing one with the same id (§4.4's idempotency contract).
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Duplicate
)

// Config holds the store's on-disk location.
type Config struct {
	Path string
}

// Store wraps the GORM database instance and satisfies the §4.4 contract.
// All writes are serialized on a single *gorm.DB connection opened with
// journal_mode=WAL; readers may run concurrently per the store's
// concurrency discipline.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open creates or migrates the on-disk database at cfg.Path and returns
// a ready Store, grounded on the teacher's NewDB (dialector, pragmas,
// AutoMigrate, then a schema-version check).
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	gormLog := logger.New(
		zerologWriter{log},
		logger.Config{
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        cfg.Path,
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: underlying sql.DB: %w", err)
	}
	if err := configureSQLite(sqlDB); err != nil {
		return nil, fmt.Errorf("store: pragma setup: %w", err)
	}

	if err := db.AutoMigrate(
		&SchemaVersion{}, &Message{}, &Fragment{}, &TxQueueEntry{},
		&SeenRow{}, &BloomWindowRow{}, &Node{}, &Channel{},
	); err != nil {
		return nil, fmt.Errorf("store: automigrate: %w", err)
	}

	if err := ensureSchemaVersion(db); err != nil {
		return nil, fmt.Errorf("store: schema version: %w", err)
	}

	log.Info().Str("path", cfg.Path).Msg("store opened")
	return &Store{db: db, log: log}, nil
}

func ensureSchemaVersion(db *gorm.DB) error {
	var sv SchemaVersion
	err := db.First(&sv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Create(&SchemaVersion{Version: currentSchemaVersion}).Error
	}
	return err
}

func configureSQLite(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=10000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=memory",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// zerologWriter adapts zerolog.Logger to GORM's io.Writer-based logger.
type zerologWriter struct{ log zerolog.Logger }

func (w zerologWriter) Printf(format string, args ...interface{}) {
	w.log.Warn().Msg(fmt.Sprintf(format, args...))
}

// --- Messages --------------------------------------------------------

// InsertMessage verifies m's fingerprint invariant and inserts it,
// returning Duplicate without error if the id already exists (§4.4).
func (s *Store) InsertMessage(m rfmp.Msg) (InsertOutcome, error) {
	if err := m.Verify(); err != nil {
		return 0, err
	}

	row := Message{
		ID:        m.ID.String(),
		FromNode:  m.FromNode,
		Author:    m.Author,
		Timestamp: m.Timestamp,
		Channel:   m.Channel,
		Priority:  m.Priority,
		Body:      m.Body,
	}
	if m.ReplyTo != nil {
		row.ReplyTo = m.ReplyTo.String()
	}

	var existing Message
	err := s.db.Where("id = ?", row.ID).First(&existing).Error
	if err == nil {
		return Duplicate, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	if err := s.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return Inserted, nil
}

// GetMessage returns the message with the given id, or
// gorm.ErrRecordNotFound if absent.
func (s *Store) GetMessage(id string) (*Message, error) {
	var row Message
	if err := s.db.Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// FindByIDPrefix returns messages whose id starts with prefix, using the
// same LIKE-prefix query idiom the teacher's FindByCallsignPattern uses.
func (s *Store) FindByIDPrefix(prefix string, limit int) ([]Message, error) {
	var rows []Message
	err := s.db.Where("id LIKE ?", prefix+"%").
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListMessages returns messages ordered by timestamp desc, optionally
// filtered by channel and/or a minimum timestamp, per §4.4.
func (s *Store) ListMessages(channel string, since uint32, limit int) ([]Message, error) {
	q := s.db.Model(&Message{})
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	if since > 0 {
		q = q.Where("timestamp >= ?", since)
	}
	var rows []Message
	err := q.Order("timestamp DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// ListMessageIDsInRange returns the ids and timestamps of messages with
// timestamp in [fromTS, toTS), for anti-entropy window scans (§4.7).
func (s *Store) ListMessageIDsInRange(fromTS, toTS uint32) ([]Message, error) {
	var rows []Message
	err := s.db.Model(&Message{}).
		Select("id", "timestamp", "priority").
		Where("timestamp >= ? AND timestamp < ?", fromTS, toTS).
		Find(&rows).Error
	return rows, err
}

// MarkTransmitted sets transmitted_at on the message with the given id,
// if it exists (§3.1's transmitted_at bookkeeping).
func (s *Store) MarkTransmitted(id string, t time.Time) error {
	return s.db.Model(&Message{}).Where("id = ?", id).Update("transmitted_at", t).Error
}

// --- Fragments ---------------------------------------------------------

// InsertFragment stores one fragment row, ignoring duplicates on
// (from_node, msg_id, seq) per §4.5.
func (s *Store) InsertFragment(fromNode string, f rfmp.Frag) error {
	var existing Fragment
	err := s.db.Where("from_node = ? AND msg_id = ? AND seq = ?", fromNode, f.ID.String(), f.Seq).
		First(&existing).Error
	if err == nil {
		return nil // duplicate seq, ignored per §4.5
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.db.Create(&Fragment{
		FromNode:  fromNode,
		MsgID:     f.ID.String(),
		Seq:       f.Seq,
		Total:     f.Total,
		Payload:   f.Payload,
		UpdatedAt: time.Now(),
	}).Error
}

// ListFragments returns all stored fragments for (fromNode, msgID).
func (s *Store) ListFragments(fromNode, msgID string) ([]Fragment, error) {
	var rows []Fragment
	err := s.db.Where("from_node = ? AND msg_id = ?", fromNode, msgID).
		Order("seq ASC").Find(&rows).Error
	return rows, err
}

// DeleteFragments removes all stored fragments for (fromNode, msgID).
func (s *Store) DeleteFragments(fromNode, msgID string) error {
	return s.db.Where("from_node = ? AND msg_id = ?", fromNode, msgID).Delete(&Fragment{}).Error
}

// --- TX queue ------------------------------------------------------

// EnqueueTx inserts a new transmission queue entry with a generated id,
// eligible for lease immediately.
func (s *Store) EnqueueTx(frameBytes []byte, priority uint8, purpose TxPurpose) (string, error) {
	return s.EnqueueTxAt(frameBytes, priority, purpose, time.Now())
}

// EnqueueTxAt inserts a new transmission queue entry eligible for lease
// no earlier than eligibleAt, so callers can apply the §4.8 adaptive
// transmit delay at enqueue time.
func (s *Store) EnqueueTxAt(frameBytes []byte, priority uint8, purpose TxPurpose, eligibleAt time.Time) (string, error) {
	entry := TxQueueEntry{
		ID:             uuid.NewString(),
		FrameBytes:     frameBytes,
		Priority:       priority,
		Purpose:        purpose,
		EnqueuedAt:     time.Now(),
		NextEligibleAt: eligibleAt,
	}
	if err := s.db.Create(&entry).Error; err != nil {
		return "", err
	}
	return entry.ID, nil
}

// CountTxQueue reports the number of entries currently queued, for the
// §7 backpressure check against queue_high_water.
func (s *Store) CountTxQueue() (int64, error) {
	var n int64
	err := s.db.Model(&TxQueueEntry{}).Count(&n).Error
	return n, err
}

// LeaseNextTx atomically selects the highest-priority eligible entry and
// marks it leased until leaseUntil, per §4.4's "atomic: marks in-flight
// with deadline" requirement, using the teacher's Transaction idiom.
// Returns (nil, nil) when no entry is currently eligible.
func (s *Store) LeaseNextTx(now, leaseUntil time.Time) (*TxQueueEntry, error) {
	var entry TxQueueEntry
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("next_eligible_at <= ? AND (leased_until IS NULL OR leased_until <= ?)", now, now).
			Order("priority ASC, enqueued_at ASC").
			First(&entry).Error
		if err != nil {
			return err
		}
		entry.LeasedUntil = &leaseUntil
		return tx.Save(&entry).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// AckTx removes a successfully transmitted entry.
func (s *Store) AckTx(id string) error {
	return s.db.Where("id = ?", id).Delete(&TxQueueEntry{}).Error
}

// NackTx releases the lease, increments attempts, and reschedules the
// entry for nextEligibleAt.
func (s *Store) NackTx(id string, nextEligibleAt time.Time) error {
	return s.db.Model(&TxQueueEntry{}).Where("id = ?", id).Updates(map[string]interface{}{
		"attempts":         gorm.Expr("attempts + 1"),
		"next_eligible_at": nextEligibleAt,
		"leased_until":     nil,
	}).Error
}

// --- Seen cache rehydration ------------------------------------------

// SeenTouch records that id was seen at t, for cold-start rehydration of
// the in-memory seen cache (§4.4, §4.6).
func (s *Store) SeenTouch(id string, t time.Time) error {
	return s.db.Save(&SeenRow{MsgID: id, LastSeenAt: t}).Error
}

// SeenContains reports whether id has a persisted seen row, the slow
// path used only when the in-memory cache misses or was cold-started.
func (s *Store) SeenContains(id string) (bool, error) {
	var row SeenRow
	err := s.db.Where("msg_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ListSeen returns every persisted seen row, for seen-cache rehydration
// on cold start (§3.2, §4.6).
func (s *Store) ListSeen() ([]SeenRow, error) {
	var rows []SeenRow
	err := s.db.Find(&rows).Error
	return rows, err
}

// --- Bloom windows -----------------------------------------------------

// SaveBloomWindow upserts a window row by its index (0, 1, or 2).
func (s *Store) SaveBloomWindow(w BloomWindowRow) error {
	return s.db.Exec(`INSERT INTO bloom_windows (window_index, opened_at, salt, k, m_log2, bits, "count")
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(window_index) DO UPDATE SET opened_at = excluded.opened_at, salt = excluded.salt,
			k = excluded.k, m_log2 = excluded.m_log2, bits = excluded.bits, "count" = excluded."count"`,
		w.WindowIndex, w.OpenedAt, w.Salt, w.K, w.MLog2, w.Bits, w.Count).Error
}

// LoadBloomWindows returns all persisted windows ordered by index.
func (s *Store) LoadBloomWindows() ([]BloomWindowRow, error) {
	var rows []BloomWindowRow
	err := s.db.Order("window_index ASC").Find(&rows).Error
	return rows, err
}

// --- Nodes and channels ------------------------------------------------

// UpsertNode records activity for a callsign, updating last_seen and
// incrementing packet_count, or creating the row on first sight (§3.1).
func (s *Store) UpsertNode(callsign string, now time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var n Node
		err := tx.Where("callsign = ?", callsign).First(&n).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&Node{Callsign: callsign, FirstSeen: now, LastSeen: now, PacketCount: 1}).Error
		}
		if err != nil {
			return err
		}
		n.LastSeen = now
		n.PacketCount++
		return tx.Save(&n).Error
	})
}

// UpsertChannel records activity for a channel, per §3.1.
func (s *Store) UpsertChannel(name string, now time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var c Channel
		err := tx.Where("name = ?", name).First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&Channel{Name: name, MessageCount: 1, LastActivity: now}).Error
		}
		if err != nil {
			return err
		}
		c.LastActivity = now
		c.MessageCount++
		return tx.Save(&c).Error
	})
}

// ListNodes returns every known node, most recently active first, for
// the query_nodes ingest/egress API (§6.3).
func (s *Store) ListNodes() ([]Node, error) {
	var rows []Node
	err := s.db.Order("last_seen DESC").Find(&rows).Error
	return rows, err
}

// ListChannels returns every known channel, most recently active
// first, for the query_channels ingest/egress API (§6.3).
func (s *Store) ListChannels() ([]Channel, error) {
	var rows []Channel
	err := s.db.Order("last_activity DESC").Find(&rows).Error
	return rows, err
}
