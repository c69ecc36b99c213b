// Package backend is the synchronization orchestrator. A single actor goroutine
// owns the roster, the conversation aggregate, the message list, the payload
// queue and the record savers; every public method runs as a job on it.
package backend

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/and161185/convokeeper/internal/apiclient"
	"github.com/and161185/convokeeper/internal/attachments"
	"github.com/and161185/convokeeper/internal/conversation"
	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/manifest"
	"github.com/and161185/convokeeper/internal/messages"
	"github.com/and161185/convokeeper/internal/payload"
	"github.com/and161185/convokeeper/internal/roster"
	"github.com/and161185/convokeeper/internal/store"
	"github.com/and161185/convokeeper/internal/transport"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("backend closed")

const (
	DefaultHousekeepingInterval = 10 * time.Second
	DefaultMessageFetchInterval = 30 * time.Second

	attachmentsDir     = "Attachments"
	cacheDir           = "Caches"
	eventBuffer        = 32
	housekeepingBudget = 30 * time.Second
	maxMessagePages    = 20
)

var rosterCodec = store.Codec{Name: "Roster", Format: 1}

// Config wires the orchestrator to its environment.
type Config struct {
	ContainerDir         string
	Environment          conversation.Environment
	Transport            transport.Transport
	Fetcher              attachments.Fetcher
	Evaluator            manifest.Evaluator
	HousekeepingInterval time.Duration
	MessageFetchInterval time.Duration
	Logger               *zap.Logger
	Now                  func() time.Time
}

// EventKind names an asynchronous notification.
type EventKind string

const (
	EventAuthenticationFailed EventKind = "authentication_failed"
	EventMessagesUpdated      EventKind = "messages_updated"
	EventEngaged              EventKind = "engaged"
	EventStateChanged         EventKind = "state_changed"
)

// Event is delivered on the Events channel.
type Event struct {
	Kind        EventKind
	Summary     Summary
	Interaction *manifest.Interaction
	Unread      int
	Err         error
}

// Backend is the orchestrator handle. Its methods are safe for concurrent use.
type Backend struct {
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
	newID func() (string, error)

	jobs      chan func()
	events    chan Event
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	baseCtx   context.Context
	cancel    context.CancelFunc

	// Everything below belongs to the actor goroutine.
	foreground     bool
	available      bool
	ready          readiness
	app            *conversation.AppCredentials
	api            *apiclient.Client
	rosterLoaded   bool
	roster         roster.Roster
	rosterDirty    bool
	fatal          error
	conv           conversation.Conversation
	convDirty      bool
	lastSynced     *conversation.Conversation
	syncedDirty    bool
	identityLoaded bool
	identity       *identityStore
	attachments    *attachments.Manager
	messages       *messages.Manager
	queue          payload.Queue
	manifests      *manifest.Cache
	parked         []func()
	ticker         *time.Ticker
	tick           <-chan time.Time
	lastFetch      time.Time
}

// New starts the orchestrator. It begins in the foreground with protected
// storage unavailable.
func New(cfg Config) *Backend {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = manifest.UnconditionalEvaluator{}
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if cfg.MessageFetchInterval <= 0 {
		cfg.MessageFetchInterval = DefaultMessageFetchInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		cfg:        cfg,
		log:        cfg.Logger.Named("backend"),
		now:        cfg.Now,
		newID:      newID,
		jobs:       make(chan func()),
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		baseCtx:    ctx,
		cancel:     cancel,
		foreground: true,
		manifests:  manifest.NewCache(),
	}
	b.conv = b.freshConversation()
	b.messages = messages.NewManager(nil, b.log)
	go b.run()
	return b
}

// Events returns the notification channel. Events are dropped when nobody reads.
func (b *Backend) Events() <-chan Event { return b.events }

// Close flushes dirty records and stops the actor.
func (b *Backend) Close(ctx context.Context) error {
	err := b.do(ctx, func(context.Context) error {
		b.stopHousekeeping()
		return b.saveAll(false)
	})
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	b.closeOnce.Do(func() {
		b.cancel()
		close(b.done)
	})
	<-b.exited
	return err
}

func (b *Backend) run() {
	defer close(b.exited)
	for {
		select {
		case job := <-b.jobs:
			job()
		case <-b.tick:
			ctx, cancel := context.WithTimeout(b.baseCtx, housekeepingBudget)
			if err := b.housekeep(ctx, false); err != nil {
				b.log.Warn("housekeeping failed", zap.Error(err))
			}
			cancel()
		case <-b.done:
			return
		}
	}
}

// call runs fn on the actor and waits for its result. When stored is set the
// job waits until protected storage is available instead of failing.
func call[T any](ctx context.Context, b *Backend, stored bool, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	reply := make(chan result, 1)
	var job func()
	job = func() {
		if err := ctx.Err(); err != nil {
			reply <- result{err: err}
			return
		}
		if stored && !b.available {
			b.parked = append(b.parked, job)
			return
		}
		v, err := fn(ctx)
		reply <- result{v: v, err: err}
	}

	var zero T
	select {
	case b.jobs <- job:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-b.done:
		return zero, ErrClosed
	}
	select {
	case r := <-reply:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-b.done:
		return zero, ErrClosed
	}
}

func (b *Backend) do(ctx context.Context, fn func(context.Context) error) error {
	_, err := call(ctx, b, false, func(ctx context.Context) (struct{}, error) { return struct{}{}, fn(ctx) })
	return err
}

func (b *Backend) doStored(ctx context.Context, fn func(context.Context) error) error {
	_, err := call(ctx, b, true, func(ctx context.Context) (struct{}, error) { return struct{}{}, fn(ctx) })
	return err
}

// post queues a job without waiting for it.
func (b *Backend) post(job func()) {
	select {
	case b.jobs <- job:
	case <-b.done:
	}
}

func (b *Backend) emit(e Event) {
	select {
	case b.events <- e:
	default:
		b.log.Warn("event dropped", zap.String("kind", string(e.Kind)))
	}
}

func (b *Backend) emitState() {
	s, _ := b.summary()
	b.emit(Event{Kind: EventStateChanged, Summary: s})
}

// Summary reports the current state projection.
func (b *Backend) Summary(ctx context.Context) (Summary, error) {
	return call(ctx, b, false, func(context.Context) (Summary, error) { return b.summary() })
}

func (b *Backend) summary() (Summary, error) {
	in := stateInputs{
		fatal:        b.fatal,
		foreground:   b.foreground,
		available:    b.available,
		appCreds:     b.app != nil,
		rosterLoaded: b.rosterLoaded,
		hasActive:    b.roster.Active != nil,
		active:       b.roster.ActiveKind(),
	}
	s, err := summarize(in)
	if err != nil {
		b.fatal = err
		b.log.Error("inconsistent orchestrator state", zap.Error(err))
	}
	return s, err
}

func (b *Backend) canSync() bool {
	s, err := b.summary()
	return err == nil && s.CanSync()
}

// ProtectedDataDidBecomeAvailable opens storage for the active identity, merges
// persisted records into memory once, completes deferred calls and starts
// housekeeping. It may be called repeatedly.
func (b *Backend) ProtectedDataDidBecomeAvailable(ctx context.Context) error {
	return b.do(ctx, func(context.Context) error {
		b.available = true
		err := b.ensureLoaded()
		if err != nil {
			b.log.Error("load persisted state", zap.Error(err))
		}
		if b.ready.kind == pending {
			b.log.Info("completing deferred registration", zap.String("app_key", b.ready.app.Key))
		}
		parked := b.parked
		b.parked = nil
		for _, job := range parked {
			job()
		}
		b.updateHousekeeping()
		b.emitState()
		return err
	})
}

// ProtectedDataWillBecomeUnavailable saves dirty records and releases the
// savers. In-memory state is kept.
func (b *Backend) ProtectedDataWillBecomeUnavailable(ctx context.Context) error {
	return b.do(ctx, func(context.Context) error {
		err := b.saveAll(false)
		b.identity = nil
		b.available = false
		b.updateHousekeeping()
		b.emitState()
		return err
	})
}

// WillEnterForeground resumes housekeeping.
func (b *Backend) WillEnterForeground(ctx context.Context) error {
	return b.do(ctx, func(context.Context) error {
		b.foreground = true
		b.updateHousekeeping()
		b.emitState()
		return nil
	})
}

// DidEnterBackground saves dirty records and suspends housekeeping.
func (b *Backend) DidEnterBackground(ctx context.Context) error {
	return b.do(ctx, func(context.Context) error {
		b.foreground = false
		b.updateHousekeeping()
		b.emitState()
		return b.saveAll(false)
	})
}

func (b *Backend) updateHousekeeping() {
	if b.available && b.foreground {
		if b.ticker == nil {
			b.ticker = time.NewTicker(b.cfg.HousekeepingInterval)
			b.tick = b.ticker.C
		}
		return
	}
	b.stopHousekeeping()
}

func (b *Backend) stopHousekeeping() {
	if b.ticker != nil {
		b.ticker.Stop()
		b.ticker = nil
		b.tick = nil
	}
}

// ensureLoaded reads the roster once and opens and loads the active identity.
func (b *Backend) ensureLoaded() error {
	if !b.rosterLoaded {
		r, err := store.Load[roster.Roster](b.cfg.ContainerDir, rosterCodec, nil)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			path, err := b.newID()
			if err != nil {
				return err
			}
			r = roster.New(path)
			b.rosterDirty = true
		case err != nil:
			return err
		}
		if err := r.Validate(); err != nil {
			b.fatal = err
			return err
		}
		b.roster = r
		b.rosterLoaded = true
	}
	if b.roster.Active == nil {
		return b.saveAll(false)
	}
	if b.identity == nil {
		b.openStore(*b.roster.Active)
	}
	if !b.identityLoaded {
		if err := b.loadIdentity(*b.roster.Active); err != nil {
			return err
		}
	}
	return b.saveAll(false)
}

func (b *Backend) openStore(rec roster.Record) {
	b.identity = openIdentity(b.cfg.ContainerDir, rec)
	b.attachments = attachments.New(
		filepath.Join(b.identity.dir, attachmentsDir),
		filepath.Join(b.cfg.ContainerDir, cacheDir, attachmentsDir),
		b.cfg.Fetcher,
		b.log,
	)
}

// loadIdentity merges the identity's persisted records under the in-memory ones.
func (b *Backend) loadIdentity(rec roster.Record) error {
	if creds, ok := rec.Credentials(); ok {
		b.conv.ConversationCredentials = &creds
	}
	persisted, err := store.Load[conversation.Conversation](b.identity.dir, conversation.Codec, b.identity.key)
	switch {
	case err == nil:
		if err := persisted.Merge(b.conv); err != nil {
			return err
		}
		b.conv = persisted
		b.convDirty = true
	case errors.Is(err, errs.ErrNotFound):
		b.convDirty = true
	default:
		return err
	}

	// Without a snapshot every field counts as unsynced.
	if b.lastSynced == nil {
		synced, err := store.Load[conversation.Conversation](b.identity.dir, conversation.SyncedCodec, b.identity.key)
		switch {
		case err == nil:
			b.lastSynced = &synced
		case !errors.Is(err, errs.ErrNotFound):
			return err
		}
	}

	list, err := store.Load[messages.List](b.identity.dir, messages.Codec, b.identity.key)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	mgr := messages.NewManager(b.attachments, b.log)
	mgr.Load(b.messages.List())
	mgr.Load(list)
	b.messages = mgr

	queued, err := store.Load[[]payload.Payload](b.identity.dir, payload.Codec, b.identity.key)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	b.queue.Load(queued)

	b.identityLoaded = true
	b.log.Info("identity loaded", zap.String("state", string(rec.State.Kind())), zap.Bool("encrypted", b.identity.encrypted()))
	return nil
}

// saveAll writes dirty records, or every record when force is set.
func (b *Backend) saveAll(force bool) error {
	if !b.available {
		return nil
	}
	if b.rosterLoaded && (b.rosterDirty || force) {
		if err := store.NewSaver[roster.Roster](b.cfg.ContainerDir, rosterCodec, nil).Save(b.roster); err != nil {
			return err
		}
		b.rosterDirty = false
	}
	if b.identity == nil {
		return nil
	}
	if b.convDirty || force {
		if err := b.identity.conv.Save(b.conv); err != nil {
			return err
		}
		b.convDirty = false
	}
	if b.messages.Dirty() || force {
		if err := b.identity.msgs.Save(b.messages.List()); err != nil {
			return err
		}
		b.messages.MarkSaved()
	}
	if b.queue.Dirty() || force {
		if err := b.identity.queue.Save(b.queue.Items()); err != nil {
			return err
		}
		b.queue.MarkSaved()
	}
	// The snapshot is written after the queue it accounts for.
	if b.lastSynced != nil && (b.syncedDirty || force) {
		if err := b.identity.synced.Save(*b.lastSynced); err != nil {
			return err
		}
		b.syncedDirty = false
	}
	return nil
}

func (b *Backend) freshConversation() conversation.Conversation {
	c := conversation.New(b.cfg.Environment, b.now())
	if b.app != nil {
		app := *b.app
		c.AppCredentials = &app
	}
	return c
}

// fail logs err at the level its class calls for and returns it.
func (b *Backend) fail(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrInternalInconsistency):
		b.log.Error(op+" failed", zap.Error(err))
	case errors.Is(err, errs.ErrUnauthorized):
		b.emit(Event{Kind: EventAuthenticationFailed, Err: err})
		b.log.Warn(op+" unauthorized", zap.Error(err))
	default:
		b.log.Warn(op+" failed", zap.Error(err))
	}
	return err
}

func newID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
