// Package watcher maintains one change feed subscription per watched
// namespace and hands normalized events to the dispatcher over a bounded
// channel.
//
// Resume tokens are durable only after the dispatcher acknowledges every work
// item derived from the event: each event is tagged with its token and a
// sequence number, and the flush loop persists the token of the highest
// contiguously acknowledged sequence. Crash recovery therefore replays at
// least every unacknowledged event.
package watcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/mongoclaw/mongoclaw/internal/agents"
	"github.com/mongoclaw/mongoclaw/internal/config"
	"github.com/mongoclaw/mongoclaw/internal/docstore"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// TaggedEvent is a change event plus the acknowledgement hook the dispatcher
// calls once fan-out for the event has fully succeeded (or been deliberately
// dropped).
type TaggedEvent struct {
	Event *models.ChangeEvent
	seq   uint64
	sub   *subscription
}

// Ack marks the event's sequence acknowledged, allowing the resume token to
// advance past it.
func (t *TaggedEvent) Ack() {
	t.sub.ack(t.seq)
}

// OnFeedReset is invoked once per affected stream when a resume token is
// invalidated and the subscription restarts from "now".
type OnFeedReset func(target string)

// Watcher reconciles subscriptions against the set of watched namespaces and
// multiplexes their events onto a single bounded handoff channel.
type Watcher struct {
	docs        docstore.Store
	resume      ResumeStore
	cache       *agents.Cache
	cfg         config.WatcherConfig
	onFeedReset OnFeedReset

	out chan *TaggedEvent

	mu   sync.Mutex
	subs map[string]*subscription
	wg   sync.WaitGroup
}

func New(docs docstore.Store, resume ResumeStore, cache *agents.Cache, cfg config.WatcherConfig, onFeedReset OnFeedReset) *Watcher {
	depth := cfg.HandoffDepth
	if depth <= 0 {
		depth = 256
	}
	return &Watcher{
		docs:        docs,
		resume:      resume,
		cache:       cache,
		cfg:         cfg,
		onFeedReset: onFeedReset,
		out:         make(chan *TaggedEvent, depth),
		subs:        make(map[string]*subscription),
	}
}

// Events is the handoff channel to the dispatcher. It is closed after Run
// returns and every subscription has drained.
func (w *Watcher) Events() <-chan *TaggedEvent {
	return w.out
}

// Run reconciles subscriptions until ctx is cancelled, then waits for them to
// stop and closes the handoff channel.
func (w *Watcher) Run(ctx context.Context) {
	interval := w.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			for _, sub := range w.subs {
				sub.cancel()
			}
			w.mu.Unlock()
			w.wg.Wait()
			close(w.out)
			return
		case <-ticker.C:
			w.reconcile(ctx)
		}
	}
}

func (w *Watcher) reconcile(ctx context.Context) {
	desired := make(map[string]bool)
	for _, target := range w.cache.Snapshot().Targets() {
		desired[target] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	added, removed := 0, 0
	for target, sub := range w.subs {
		if !desired[target] {
			sub.cancel()
			delete(w.subs, target)
			removed++
		}
	}
	for target := range desired {
		if _, ok := w.subs[target]; ok {
			continue
		}
		db, coll, ok := splitTarget(target)
		if !ok {
			continue
		}
		subCtx, cancel := context.WithCancel(ctx)
		sub := &subscription{
			watcher: w,
			target:  target,
			db:      db,
			coll:    coll,
			cancel:  cancel,
			entries: make(map[uint64]*seqEntry),
		}
		w.subs[target] = sub
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			sub.run(subCtx)
		}()
		added++
	}

	if added > 0 || removed > 0 {
		log.Info().Int("total", len(w.subs)).Int("added", added).Int("removed", removed).
			Msg("Reconciled change feed subscriptions")
	}
}

func splitTarget(target string) (string, string, bool) {
	i := strings.Index(target, ".")
	if i <= 0 || i == len(target)-1 {
		return "", "", false
	}
	return target[:i], target[i+1:], true
}

// ── Subscription ────────────────────────────────────────────

type seqEntry struct {
	token any
	acked bool
}

type subscription struct {
	watcher *Watcher
	target  string
	db      string
	coll    string
	cancel  context.CancelFunc

	ackMu     sync.Mutex
	entries   map[uint64]*seqEntry
	nextSeq   uint64
	watermark uint64 // highest contiguously acked sequence
	durable   any    // token of the watermark, pending flush
	dirty     bool
}

func (s *subscription) run(ctx context.Context) {
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		s.flushLoop(ctx)
	}()
	defer func() { <-flushDone }()

	token, err := s.watcher.resume.Load(ctx, s.target)
	if err != nil {
		log.Warn().Err(err).Str("namespace", s.target).Msg("Resume token load failed, starting from now")
		token = nil
	}
	// Until an ack advances the watermark, the loaded token is the durable
	// position a reconnect resumes from.
	s.ackMu.Lock()
	s.durable = token
	s.ackMu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		err := s.stream(ctx, token)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, docstore.ErrFeedInvalidated):
			// Events in the gap are lost by definition; they must be
			// re-driven via webhook if the user cares.
			log.Error().Str("namespace", s.target).Msg("Resume token invalidated, restarting feed from now")
			if s.watcher.onFeedReset != nil {
				s.watcher.onFeedReset(s.target)
			}
			s.ackMu.Lock()
			s.durable = nil
			s.dirty = false
			s.ackMu.Unlock()
			if err := s.watcher.resume.Clear(ctx, s.target); err != nil {
				log.Warn().Err(err).Str("namespace", s.target).Msg("Resume token clear failed")
			}
			token = nil
			bo.Reset()
		default:
			wait := bo.NextBackOff()
			log.Warn().Err(err).Str("namespace", s.target).Dur("backoff", wait).
				Msg("Change feed error, reconnecting")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			// Resume from the last durable token so unacked events replay.
			token = s.durableToken()
		}
	}
}

// stream opens one feed and pumps it until error or cancellation.
func (s *subscription) stream(ctx context.Context, token any) error {
	feed, err := s.watcher.docs.Subscribe(ctx, s.db, s.coll, token)
	if err != nil {
		return err
	}
	defer feed.Close(context.Background())

	log.Info().Str("namespace", s.target).Bool("resumed", token != nil).Msg("Change feed opened")

	for {
		event, err := feed.Next(ctx)
		if err != nil {
			return err
		}
		if !models.KnownOperation(event.Operation) {
			log.Debug().Str("namespace", s.target).Str("operation", string(event.Operation)).
				Msg("Ignoring unknown change operation")
			continue
		}
		event.WatcherID = s.target

		s.ackMu.Lock()
		s.nextSeq++
		seq := s.nextSeq
		s.entries[seq] = &seqEntry{token: event.ResumeToken}
		s.ackMu.Unlock()

		// Blocking send: a full handoff channel stops the feed read, which
		// is the back-pressure contract.
		select {
		case s.watcher.out <- &TaggedEvent{Event: event, seq: seq, sub: s}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *subscription) ack(seq uint64) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	entry, ok := s.entries[seq]
	if !ok {
		return
	}
	entry.acked = true
	for {
		next, ok := s.entries[s.watermark+1]
		if !ok || !next.acked {
			break
		}
		s.watermark++
		s.durable = next.token
		s.dirty = true
		delete(s.entries, s.watermark)
	}
}

func (s *subscription) durableToken() any {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	return s.durable
}

// flushLoop persists the durable token shortly after it advances.
func (s *subscription) flushLoop(ctx context.Context) {
	interval := s.watcher.cfg.TokenFlush
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func(flushCtx context.Context) {
		s.ackMu.Lock()
		if !s.dirty {
			s.ackMu.Unlock()
			return
		}
		token := s.durable
		s.dirty = false
		s.ackMu.Unlock()
		if err := s.watcher.resume.Save(flushCtx, s.target, token); err != nil {
			log.Warn().Err(err).Str("namespace", s.target).Msg("Resume token save failed")
			s.ackMu.Lock()
			s.dirty = true
			s.ackMu.Unlock()
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Final flush so restart replays as little as possible.
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			flush(ctx)
		}
	}
}
