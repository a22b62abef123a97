// Package syncstore persists Matrix sync payloads so that a bot can restart
// without a full initial sync. Rooms are kept per membership in SQLite and
// can be replayed as a single synthetic payload.
package syncstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// DefaultMaintenanceSchedule is how often the WAL is checkpointed.
const DefaultMaintenanceSchedule = "@every 5m"

// ErrRoomNotFound is returned when a room is not stored under the requested
// membership.
var ErrRoomNotFound = errors.New("room not found")

// Section names the event list an operation targets.
type Section string

const (
	SectionState    Section = "state"
	SectionTimeline Section = "timeline"
)

// Recorder receives store measurements. observability provides the
// Prometheus implementation.
type Recorder interface {
	ObserveIngest(rooms int, duration time.Duration, err error)
	ObserveDropped(reason string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveIngest(int, time.Duration, error) {}
func (nopRecorder) ObserveDropped(string)                   {}

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file. Defaults to an in-memory database.
	Path string

	// ImportantEvents is the allow-list of event types kept on ingest.
	// Defaults to DefaultImportantEvents.
	ImportantEvents []string

	// ResolveState drops duplicate events and removes state events that
	// are superseded through unsigned.replaces_state.
	ResolveState bool

	// TimelineLimit caps the stored timeline per room.
	TimelineLimit int

	// Compress stores blobs zstd-compressed.
	Compress bool

	// MaintenanceSchedule is a cron spec for WAL checkpoints.
	MaintenanceSchedule string

	Metrics Recorder
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = ":memory:"
	}
	if c.ImportantEvents == nil {
		c.ImportantEvents = DefaultImportantEvents
	}
	if c.TimelineLimit <= 0 {
		c.TimelineLimit = DefaultTimelineLimit
	}
	if c.MaintenanceSchedule == "" {
		c.MaintenanceSchedule = DefaultMaintenanceSchedule
	}
	if c.Metrics == nil {
		c.Metrics = nopRecorder{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store is a SQLite-backed sync state store. It also satisfies
// mautrix.SyncStore so a client can keep its cursor and filter in it.
type Store struct {
	db        *sql.DB
	config    Config
	retention *retention
	metrics   Recorder
	logger    *slog.Logger

	// mu serializes writers; every ingest is one transaction.
	mu sync.Mutex

	cronMu sync.Mutex
	cron   *cron.Cron
}

var _ mautrix.SyncStore = (*Store)(nil)

// Open opens (creating if needed) the store at cfg.Path and migrates its
// schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	dsn := cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer, and an in-memory database only exists on
	// the connection that created it.
	db.SetMaxOpenConns(1)

	s := newStore(db, cfg)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("sync store opened",
		"path", cfg.Path,
		"resolve_state", cfg.ResolveState,
		"compress", cfg.Compress)
	return s, nil
}

func newStore(db *sql.DB, cfg Config) *Store {
	cfg.applyDefaults()
	logger := cfg.Logger.With("component", "syncstore")
	return &Store{
		db:        db,
		config:    cfg,
		retention: newRetention(cfg.ImportantEvents, cfg.ResolveState, cfg.TimelineLimit, logger),
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// Close stops maintenance and closes the database.
func (s *Store) Close() error {
	s.stopMaintenance()
	return s.db.Close()
}

// querier is implemented by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func rollback(tx *sql.Tx, logger *slog.Logger) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Warn("rollback failed", "error", err)
	}
}

// Ingest applies one sync payload for userID in a single transaction.
// Malformed events are logged and skipped; any database failure aborts
// the whole payload.
func (s *Store) Ingest(ctx context.Context, userID id.UserID, p *Payload) (err error) {
	if p == nil {
		return errors.New("payload is nil")
	}
	start := time.Now()
	logger := s.logger.With("ingest_id", uuid.NewString(), "user_id", userID)
	defer func() {
		s.metrics.ObserveIngest(p.RoomCount(), time.Since(start), err)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx, logger)

	for _, roomID := range slices.Sorted(maps.Keys(p.Rooms.Join)) {
		room := p.Rooms.Join[roomID]
		if room == nil {
			continue
		}
		if err := s.ingestRoom(ctx, tx, logger, roomID, MembershipJoin, room.AccountData.Events, room.Summary, room.State.Events, room.Timeline.Events); err != nil {
			return err
		}
	}
	for _, roomID := range slices.Sorted(maps.Keys(p.Rooms.Invite)) {
		room := p.Rooms.Invite[roomID]
		if room == nil {
			continue
		}
		if err := s.replaceStripped(ctx, tx, logger, roomID, MembershipInvite, room.InviteState.Events); err != nil {
			return err
		}
	}
	for _, roomID := range slices.Sorted(maps.Keys(p.Rooms.Knock)) {
		room := p.Rooms.Knock[roomID]
		if room == nil {
			continue
		}
		if err := s.replaceStripped(ctx, tx, logger, roomID, MembershipKnock, room.KnockState.Events); err != nil {
			return err
		}
	}
	for _, roomID := range slices.Sorted(maps.Keys(p.Rooms.Leave)) {
		room := p.Rooms.Leave[roomID]
		if room == nil {
			continue
		}
		if err := s.ingestRoom(ctx, tx, logger, roomID, MembershipLeave, room.AccountData.Events, nil, room.State.Events, room.Timeline.Events); err != nil {
			return err
		}
	}

	if p.NextBatch != "" {
		if err := setNextBatch(ctx, tx, userID, p.NextBatch); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ingest: %w", err)
	}
	logger.Debug("ingested sync payload",
		"rooms", p.RoomCount(),
		"next_batch", p.NextBatch,
		"duration", time.Since(start))
	return nil
}

// ingestRoom merges a join or leave section into the stored record.
func (s *Store) ingestRoom(ctx context.Context, tx *sql.Tx, logger *slog.Logger, roomID string, m Membership, accountData []json.RawMessage, summary Summary, state, timeline []json.RawMessage) error {
	if err := moveRoom(ctx, tx, roomID, m); err != nil {
		return err
	}

	rec, err := s.load(ctx, tx, roomID, m)
	if errors.Is(err, ErrRoomNotFound) {
		rec = newRecord(roomID, m)
	} else if err != nil {
		return err
	}

	if len(accountData) > 0 {
		rec.AccountData = append([]json.RawMessage{}, accountData...)
	}
	mergeSummary(rec, summary)

	for _, raw := range state {
		changed, err := s.retention.addState(rec, raw, false)
		s.observeAdd(logger, rec, raw, changed, err)
	}
	for _, raw := range timeline {
		changed, err := s.retention.addTimeline(rec, raw, false)
		s.observeAdd(logger, rec, raw, changed, err)
	}

	return s.save(ctx, tx, rec)
}

// observeAdd logs and counts the outcome of adding one event during ingest.
func (s *Store) observeAdd(logger *slog.Logger, rec *Record, raw json.RawMessage, changed bool, err error) {
	var invalid *ValidationError
	switch {
	case errors.As(err, &invalid):
		logger.Warn("skipping malformed event",
			"room_id", rec.RoomID,
			"membership", rec.Membership,
			"reason", invalid.Error(),
			"event_id", eventID(raw))
		s.metrics.ObserveDropped("invalid")
	case !changed:
		s.metrics.ObserveDropped("ignored")
	}
}

// replaceStripped stores an invite or knock room. Its stripped state
// replaces whatever was stored before.
func (s *Store) replaceStripped(ctx context.Context, tx *sql.Tx, logger *slog.Logger, roomID string, m Membership, state []json.RawMessage) error {
	if err := moveRoom(ctx, tx, roomID, m); err != nil {
		return err
	}
	rec := newRecord(roomID, m)
	rec.State = append(rec.State, state...)
	logger.Debug("storing stripped state", "room_id", roomID, "membership", m, "events", len(state))
	return s.save(ctx, tx, rec)
}

// moveRoom removes roomID from every membership table except keep.
func moveRoom(ctx context.Context, q querier, roomID string, keep Membership) error {
	for _, m := range Memberships {
		if m == keep {
			continue
		}
		if _, err := q.ExecContext(ctx, "DELETE FROM "+m.table()+" WHERE room_id = ?", roomID); err != nil {
			return fmt.Errorf("failed to remove %s from %s: %w", roomID, m.table(), err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, m Membership) (*Record, error) {
	var (
		roomID                                 string
		accountData, state, summary, timeline []byte
	)
	if err := row.Scan(&roomID, &accountData, &state, &summary, &timeline); err != nil {
		return nil, err
	}

	rec := newRecord(roomID, m)
	var err error
	if rec.AccountData, err = decodeEvents(accountData); err != nil {
		return nil, fmt.Errorf("room %s account_data: %w", roomID, err)
	}
	if rec.State, err = decodeEvents(state); err != nil {
		return nil, fmt.Errorf("room %s state: %w", roomID, err)
	}
	if rec.Timeline, err = decodeEvents(timeline); err != nil {
		return nil, fmt.Errorf("room %s timeline: %w", roomID, err)
	}
	if err := decodeBlob(summary, &rec.Summary); err != nil {
		return nil, fmt.Errorf("room %s summary: %w", roomID, err)
	}
	if rec.Summary == nil {
		rec.Summary = Summary{}
	}
	return rec, nil
}

func (s *Store) load(ctx context.Context, q querier, roomID string, m Membership) (*Record, error) {
	row := q.QueryRowContext(ctx,
		"SELECT room_id, account_data, state, summary, timeline FROM "+m.table()+" WHERE room_id = ?",
		roomID)
	rec, err := scanRecord(row, m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s (%s)", ErrRoomNotFound, roomID, m)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", roomID, err)
	}
	return rec, nil
}

func (s *Store) save(ctx context.Context, q querier, rec *Record) error {
	blobs := make([][]byte, 0, 4)
	for _, v := range []any{rec.AccountData, rec.State, rec.Summary, rec.Timeline} {
		data, err := encodeBlob(v, s.config.Compress)
		if err != nil {
			return fmt.Errorf("room %s: %w", rec.RoomID, err)
		}
		blobs = append(blobs, data)
	}
	_, err := q.ExecContext(ctx,
		"INSERT OR REPLACE INTO "+rec.Membership.table()+" (room_id, account_data, state, summary, timeline) VALUES (?, ?, ?, ?, ?)",
		rec.RoomID, blobs[0], blobs[1], blobs[2], blobs[3])
	if err != nil {
		return fmt.Errorf("failed to save room %s: %w", rec.RoomID, err)
	}
	return nil
}

// InsertStateEvent adds a single state event to a stored room. force
// bypasses the important-events allow-list.
func (s *Store) InsertStateEvent(ctx context.Context, roomID string, m Membership, raw json.RawMessage, force bool) error {
	return s.update(ctx, roomID, m, func(rec *Record) (bool, error) {
		return s.retention.addState(rec, raw, force)
	})
}

// InsertTimelineEvent adds a single timeline event to a stored room. force
// bypasses the important-events allow-list.
func (s *Store) InsertTimelineEvent(ctx context.Context, roomID string, m Membership, raw json.RawMessage, force bool) error {
	return s.update(ctx, roomID, m, func(rec *Record) (bool, error) {
		return s.retention.addTimeline(rec, raw, force)
	})
}

// RemoveEvent deletes the event with eventID from a room section. It
// reports whether an event was removed.
func (s *Store) RemoveEvent(ctx context.Context, roomID string, m Membership, eventID string, section Section) (bool, error) {
	removed := false
	err := s.update(ctx, roomID, m, func(rec *Record) (bool, error) {
		switch section {
		case SectionState:
			rec.State, removed = removeEvent(rec.State, eventID)
		case SectionTimeline:
			rec.Timeline, removed = removeEvent(rec.Timeline, eventID)
		default:
			return false, fmt.Errorf("unknown section %q", section)
		}
		return removed, nil
	})
	return removed, err
}

// update loads a record, applies fn and saves the record if fn changed it.
func (s *Store) update(ctx context.Context, roomID string, m Membership, fn func(*Record) (bool, error)) error {
	if !m.Valid() {
		return fmt.Errorf("invalid membership %q", m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx, s.logger)

	rec, err := s.load(ctx, tx, roomID, m)
	if err != nil {
		return err
	}
	changed, err := fn(rec)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := s.save(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

// Room returns the stored record of roomID under membership m.
func (s *Store) Room(ctx context.Context, roomID string, m Membership) (*Record, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid membership %q", m)
	}
	return s.load(ctx, s.db, roomID, m)
}

// StateFor returns the record of roomID under whichever membership it is
// stored.
func (s *Store) StateFor(ctx context.Context, roomID string) (*Record, error) {
	for _, m := range Memberships {
		rec, err := s.load(ctx, s.db, roomID, m)
		if errors.Is(err, ErrRoomNotFound) {
			continue
		}
		return rec, err
	}
	return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
}

// Counts returns the number of stored rooms per membership.
func (s *Store) Counts(ctx context.Context) (map[Membership]int, error) {
	counts := make(map[Membership]int, len(Memberships))
	for _, m := range Memberships {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+m.table()).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", m.table(), err)
		}
		counts[m] = n
	}
	return counts, nil
}

// Replay rebuilds a synthetic sync payload from everything stored for
// userID. Feeding it to the session state reproduces the state it had
// when the payloads were ingested.
func (s *Store) Replay(ctx context.Context, userID id.UserID) (*Payload, error) {
	nextBatch, err := s.NextBatch(ctx, userID)
	if err != nil {
		return nil, err
	}
	p := NewPayload(nextBatch)

	for _, m := range Memberships {
		records, err := s.records(ctx, m)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			switch m {
			case MembershipJoin:
				p.Rooms.Join[rec.RoomID] = &JoinedRoom{
					AccountData: EventList{Events: rec.AccountData},
					State:       EventList{Events: rec.State},
					Summary:     rec.Summary,
					Timeline:    Timeline{Events: rec.Timeline},
					Ephemeral:   EventList{Events: []json.RawMessage{}},
				}
			case MembershipInvite:
				p.Rooms.Invite[rec.RoomID] = &InvitedRoom{InviteState: EventList{Events: rec.State}}
			case MembershipKnock:
				p.Rooms.Knock[rec.RoomID] = &KnockedRoom{KnockState: EventList{Events: rec.State}}
			case MembershipLeave:
				p.Rooms.Leave[rec.RoomID] = &LeftRoom{
					AccountData: EventList{Events: rec.AccountData},
					State:       EventList{Events: rec.State},
					Timeline:    Timeline{Events: rec.Timeline},
				}
			}
		}
	}

	s.logger.Debug("replayed sync store", "user_id", userID, "rooms", p.RoomCount(), "next_batch", nextBatch)
	return p, nil
}

func (s *Store) records(ctx context.Context, m Membership) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT room_id, account_data, state, summary, timeline FROM "+m.table()+" ORDER BY room_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", m.table(), err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows, m)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", m.table(), err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", m.table(), err)
	}
	return records, nil
}

// NextBatch returns the stored sync cursor of userID, or "" if none.
func (s *Store) NextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.metaField(ctx, userID, "next_batch")
}

// SetNextBatch stores the sync cursor of userID.
func (s *Store) SetNextBatch(ctx context.Context, userID id.UserID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setNextBatch(ctx, s.db, userID, token)
}

func setNextBatch(ctx context.Context, q querier, userID id.UserID, token string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO meta (user_id, next_batch) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET next_batch = excluded.next_batch`,
		userID.String(), token)
	if err != nil {
		return fmt.Errorf("failed to store next_batch: %w", err)
	}
	return nil
}

func (s *Store) metaField(ctx context.Context, userID id.UserID, column string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT "+column+" FROM meta WHERE user_id = ?", userID.String()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load %s: %w", column, err)
	}
	return value, nil
}

// SaveNextBatch implements mautrix.SyncStore.
func (s *Store) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.SetNextBatch(ctx, userID, nextBatchToken)
}

// LoadNextBatch implements mautrix.SyncStore.
func (s *Store) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.NextBatch(ctx, userID)
}

// SaveFilterID implements mautrix.SyncStore.
func (s *Store) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (user_id, filter_id) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET filter_id = excluded.filter_id`,
		userID.String(), filterID)
	if err != nil {
		return fmt.Errorf("failed to store filter_id: %w", err)
	}
	return nil
}

// LoadFilterID implements mautrix.SyncStore.
func (s *Store) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.metaField(ctx, userID, "filter_id")
}

// Checkpoint flushes the write-ahead log into the main database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	s.logger.Debug("wal checkpoint complete")
	return nil
}

// StartMaintenance checkpoints the database on the configured schedule
// until ctx is cancelled or the store is closed.
func (s *Store) StartMaintenance(ctx context.Context) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		return errors.New("maintenance already running")
	}

	c := cron.New()
	_, err := c.AddFunc(s.config.MaintenanceSchedule, func() {
		if err := s.Checkpoint(ctx); err != nil {
			s.logger.Warn("maintenance checkpoint failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", s.config.MaintenanceSchedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("store maintenance started", "schedule", s.config.MaintenanceSchedule)

	go func() {
		<-ctx.Done()
		s.stopMaintenance()
	}()
	return nil
}

func (s *Store) stopMaintenance() {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
