// Package matrix connects the command dispatcher, the room cache and the
// sync store to a Matrix homeserver.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/mxbot/internal/commands"
	"github.com/haasonsaas/mxbot/internal/observability"
	"github.com/haasonsaas/mxbot/internal/rooms"
	"github.com/haasonsaas/mxbot/internal/syncstore"
)

// MessageHandler receives inbound text messages. *commands.Dispatcher
// implements it.
//
// Prepare is called on the sync goroutine, one message at a time in
// timeline order. A non-nil Context is then passed to Invoke on its own
// goroutine.
type MessageHandler interface {
	Prepare(ctx context.Context, msg *commands.Message) (*commands.Context, error)
	Invoke(ctx context.Context, inv *commands.Context) error
}

// Option configures a Bot.
type Option func(*Bot)

// WithStore persists sync payloads and the sync cursor in store.
func WithStore(store *syncstore.Store) Option {
	return func(b *Bot) { b.store = store }
}

// WithMetrics records sync and message metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(b *Bot) { b.metrics = metrics }
}

// WithTracer records a span per sync iteration.
func WithTracer(tracer *observability.Tracer) Option {
	return func(b *Bot) { b.tracer = tracer }
}

// Bot is a Matrix client that feeds sync results into the room cache and
// the sync store, and routes messages to a MessageHandler.
type Bot struct {
	config  *Config
	client  *mautrix.Client
	store   *syncstore.Store
	cache   *rooms.Cache
	handler MessageHandler
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger

	allowedRooms map[id.RoomID]bool
	allowedUsers map[id.UserID]bool

	mu       sync.Mutex
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	stopSync context.CancelFunc
	stopCh   chan struct{}
	loopDone chan struct{}
	handlers sync.WaitGroup

	listenerMu   sync.RWMutex
	listeners    []listenerEntry
	nextListener uint64
}

var _ commands.Session = (*Bot)(nil)

// NewBot creates a bot client. It does not contact the homeserver.
func NewBot(cfg Config, opts ...Option) (*Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if cfg.DeviceID != "" {
		client.DeviceID = id.DeviceID(cfg.DeviceID)
	}

	logger := cfg.Logger.With("component", "matrix")
	b := &Bot{
		config: &cfg,
		client: client,
		cache:  rooms.NewCache(cfg.Logger),
		logger: logger,
		runCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.store != nil {
		client.Store = b.store
	}

	if len(cfg.AllowedRooms) > 0 {
		b.allowedRooms = make(map[id.RoomID]bool)
		for _, room := range cfg.AllowedRooms {
			b.allowedRooms[id.RoomID(room)] = true
		}
	}
	if len(cfg.AllowedUsers) > 0 {
		b.allowedUsers = make(map[id.UserID]bool)
		for _, user := range cfg.AllowedUsers {
			b.allowedUsers[id.UserID(user)] = true
		}
	}

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, errors.New("matrix: unsupported syncer")
	}
	syncer.OnSync(b.onSync)
	syncer.OnEvent(b.dispatchEvent)
	syncer.OnEventType(event.EventMessage, b.handleMessage)
	syncer.OnEventType(event.StateMember, b.handleMemberEvent)

	return b, nil
}

// SetHandler sets the receiver of inbound messages. It must be called
// before Start.
func (b *Bot) SetHandler(h MessageHandler) {
	b.handler = h
}

// Client returns the underlying mautrix client.
func (b *Bot) Client() *mautrix.Client {
	return b.client
}

// Cache returns the room cache.
func (b *Bot) Cache() *rooms.Cache {
	return b.cache
}

// Start restores stored state and begins syncing in the background.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := b.restore(runCtx); err != nil {
		cancel()
		return err
	}

	b.running = true
	b.runCtx = runCtx
	b.cancel = cancel
	b.stopCh = make(chan struct{})
	b.loopDone = make(chan struct{})

	syncCtx, stopSync := context.WithCancel(runCtx)
	b.stopSync = stopSync

	b.joinPendingInvites(runCtx)
	go b.syncLoop(syncCtx, b.stopCh, b.loopDone)

	b.logger.Info("matrix bot started",
		"homeserver", b.config.Homeserver,
		"user_id", b.config.UserID,
		"rooms", b.cache.Len())
	return nil
}

// Stop stops syncing and waits for running command handlers until ctx
// expires.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stopCh)
	cancel, stopSync, loopDone := b.cancel, b.stopSync, b.loopDone
	b.mu.Unlock()

	b.client.StopSync()
	stopSync()
	<-loopDone

	waited := make(chan struct{})
	go func() {
		b.handlers.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for command handlers: %w", ctx.Err())
	}
	cancel()

	b.logger.Info("matrix bot stopped")
	return err
}

type replayKey struct{}

func isReplay(ctx context.Context) bool {
	replay, _ := ctx.Value(replayKey{}).(bool)
	return replay
}

// restore replays the sync store into the room cache and the syncer, so
// that state survives restarts without a full initial sync.
func (b *Bot) restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	start := time.Now()
	payload, err := b.store.Replay(ctx, b.client.UserID)
	if err != nil {
		return fmt.Errorf("replay sync store: %w", err)
	}
	if payload.RoomCount() == 0 && payload.NextBatch == "" {
		b.logger.Info("sync store is empty, starting with a full sync")
		return nil
	}

	b.cache.Apply(payload)

	resp, err := payload.ToSync()
	if err != nil {
		return fmt.Errorf("convert stored payload: %w", err)
	}
	if err := b.client.Syncer.ProcessResponse(context.WithValue(ctx, replayKey{}, true), resp, ""); err != nil {
		return fmt.Errorf("process stored payload: %w", err)
	}

	b.logger.Info("restored sync state",
		"rooms", payload.RoomCount(),
		"next_batch", payload.NextBatch,
		"duration", time.Since(start))
	return nil
}

func (b *Bot) onSync(ctx context.Context, resp *mautrix.RespSync, since string) bool {
	if isReplay(ctx) {
		return true
	}

	payload, err := syncstore.FromSync(resp)
	if err != nil {
		b.logger.Error("failed to convert sync response", "error", err)
		return true
	}

	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.TraceSync(ctx, since, payload.RoomCount())
		defer span.End()
	}

	if b.store != nil {
		if err := b.store.Ingest(ctx, b.client.UserID, payload); err != nil {
			b.logger.Error("failed to store sync payload",
				"since", since,
				"next_batch", payload.NextBatch,
				"error", err)
		}
	}
	b.cache.Apply(payload)

	if b.metrics != nil {
		b.metrics.RecordSync(nil)
	}
	return true
}

func (b *Bot) syncLoop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := b.client.SyncWithContext(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}

		b.logger.Error("sync error", "error", err)
		if b.metrics != nil {
			b.metrics.RecordSync(err)
		}

		select {
		case <-time.After(b.config.ReconnectBackoff):
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// MessageFromEvent converts an m.room.message event into a dispatcher
// message. It reports false for other events.
func MessageFromEvent(evt *event.Event) (*commands.Message, bool) {
	if evt == nil || evt.Type.Type != event.EventMessage.Type {
		return nil, false
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(event.EventMessage); err != nil {
			return nil, false
		}
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil, false
	}
	return &commands.Message{
		RoomID:    evt.RoomID,
		EventID:   evt.ID,
		Sender:    evt.Sender,
		Body:      content.Body,
		MsgType:   content.MsgType,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}, true
}

func (b *Bot) allowed(roomID id.RoomID, sender id.UserID) bool {
	if b.allowedRooms != nil && !b.allowedRooms[roomID] {
		return false
	}
	if b.allowedUsers != nil && !b.allowedUsers[sender] {
		return false
	}
	return true
}

func (b *Bot) handleMessage(ctx context.Context, evt *event.Event) {
	if isReplay(ctx) || b.handler == nil {
		return
	}
	if !b.allowed(evt.RoomID, evt.Sender) {
		return
	}
	msg, ok := MessageFromEvent(evt)
	if !ok {
		return
	}
	if b.metrics != nil {
		b.metrics.MessageReceived()
	}

	b.mu.Lock()
	runCtx := b.runCtx
	b.mu.Unlock()

	inv, err := b.handler.Prepare(runCtx, msg)
	if err != nil {
		b.logger.Debug("message rejected",
			"room_id", msg.RoomID,
			"event_id", msg.EventID,
			"error", err)
		return
	}
	if inv == nil {
		return
	}

	b.handlers.Add(1)
	go func() {
		defer b.handlers.Done()
		if err := b.handler.Invoke(runCtx, inv); err != nil {
			b.logger.Debug("command failed",
				"room_id", msg.RoomID,
				"event_id", msg.EventID,
				"error", err)
		}
	}()
}

func (b *Bot) handleMemberEvent(ctx context.Context, evt *event.Event) {
	if isReplay(ctx) || !b.config.JoinOnInvite {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return
	}
	if content.Membership != event.MembershipInvite || evt.GetStateKey() != b.client.UserID.String() {
		return
	}
	if !b.allowed(evt.RoomID, evt.Sender) {
		b.logger.Info("ignoring invite", "room_id", evt.RoomID, "sender", evt.Sender)
		return
	}
	b.join(ctx, evt.RoomID)
}

func (b *Bot) joinPendingInvites(ctx context.Context) {
	if !b.config.JoinOnInvite {
		return
	}
	for _, roomID := range b.cache.Invited() {
		if b.allowedRooms != nil && !b.allowedRooms[roomID] {
			continue
		}
		b.join(ctx, roomID)
	}
}

func (b *Bot) join(ctx context.Context, roomID id.RoomID) {
	b.logger.Info("received room invite", "room_id", roomID)
	if _, err := b.client.JoinRoomByID(ctx, roomID); err != nil {
		b.logger.Error("failed to join room", "room_id", roomID, "error", err)
		return
	}
	b.logger.Info("joined room", "room_id", roomID)
}

// UserID implements commands.Session.
func (b *Bot) UserID() id.UserID {
	return b.client.UserID
}

// Room implements commands.Session.
func (b *Bot) Room(roomID id.RoomID) (*rooms.Room, bool) {
	return b.cache.Get(roomID)
}

// FindRoomByAlias implements commands.Session.
func (b *Bot) FindRoomByAlias(alias id.RoomAlias) (*rooms.Room, bool) {
	return b.cache.FindByAlias(alias)
}

// ResolveAlias implements commands.Session.
func (b *Bot) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	resp, err := b.client.ResolveAlias(ctx, alias)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", alias, err)
	}
	return resp.RoomID, nil
}

// GetEvent implements commands.Session.
func (b *Bot) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error) {
	evt, err := b.client.GetEvent(ctx, roomID, eventID)
	if err != nil {
		return nil, fmt.Errorf("fetch %s in %s: %w", eventID, roomID, err)
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			b.logger.Debug("event content not parsed", "event_id", eventID, "type", evt.Type.Type, "error", err)
		}
	}
	return evt, nil
}

// DirectRoom implements commands.Session.
func (b *Bot) DirectRoom(ctx context.Context, user id.UserID) (id.RoomID, error) {
	if room, ok := b.cache.DirectRoomWith(b.client.UserID, user); ok {
		return room.ID, nil
	}
	resp, err := b.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{user},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("create direct room with %s: %w", user, err)
	}
	b.logger.Info("created direct room", "room_id", resp.RoomID, "user_id", user)
	return resp.RoomID, nil
}

// SendMessage implements commands.Session.
func (b *Bot) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := b.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("send message to %s: %w", roomID, err)
	}
	b.logger.Debug("sent message", "room_id", roomID, "event_id", resp.EventID)
	return resp.EventID, nil
}

// Redact implements commands.Session.
func (b *Bot) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	if _, err := b.client.RedactEvent(ctx, roomID, eventID, mautrix.ReqRedact{Reason: reason}); err != nil {
		return fmt.Errorf("redact %s in %s: %w", eventID, roomID, err)
	}
	return nil
}

// React implements commands.Session.
func (b *Bot) React(ctx context.Context, roomID id.RoomID, eventID id.EventID, key string) (id.EventID, error) {
	resp, err := b.client.SendReaction(ctx, roomID, eventID, key)
	if err != nil {
		return "", fmt.Errorf("react to %s in %s: %w", eventID, roomID, err)
	}
	return resp.EventID, nil
}

// SetTyping implements commands.Session.
func (b *Bot) SetTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	if _, err := b.client.UserTyping(ctx, roomID, typing, timeout); err != nil {
		return fmt.Errorf("set typing in %s: %w", roomID, err)
	}
	return nil
}

// Upload implements commands.Session.
func (b *Bot) Upload(ctx context.Context, r io.Reader, contentType, filename string, size int64) (id.ContentURI, error) {
	resp, err := b.client.UploadMedia(ctx, mautrix.ReqUploadMedia{
		Content:       r,
		ContentLength: size,
		ContentType:   contentType,
		FileName:      filename,
	})
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	return resp.ContentURI, nil
}
