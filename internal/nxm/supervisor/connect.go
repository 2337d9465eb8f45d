package supervisor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/channel"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/dispatch"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/session"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/state"
)

// connect runs one connect sequence for gen. Every appliance request goes
// through the dispatcher at resync priority, so it is ordered with respect to
// commands and cancelled with the generation.
func (s *Supervisor) connect(gen *dispatch.Generation, cfg ApplianceConfig) {
	ctx := gen.Context()

	sess, err := session.New(session.Config{
		Host:               cfg.Host,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Timeout:            cfg.RequestTimeout,
		Logger:             s.logger,
	})
	if err != nil {
		s.fail(gen, err)
		return
	}
	if cfg.Username == "" {
		s.fail(gen, fmt.Errorf("%w: appliance username is empty", fault.ErrConfiguration))
		return
	}
	if !s.attach(gen, sess) {
		return
	}

	// The priming request is the first contact with the host; it belongs to
	// Connecting so an unreachable host never reaches Authenticating.
	prime := s.disp.EnqueueIn(gen, dispatch.PriorityResync, func(ctx context.Context) ([]byte, error) {
		return nil, sess.Prime(ctx)
	})
	if _, err := prime.Wait(ctx); err != nil {
		s.fail(gen, err)
		return
	}

	// Login
	if !s.advance(gen, StateAuthenticating, StatusConnecting, "Logging in") {
		return
	}
	login := s.disp.EnqueueIn(gen, dispatch.PriorityResync, func(ctx context.Context) ([]byte, error) {
		return nil, sess.Authenticate(ctx, cfg.Username, cfg.Password)
	})
	if _, err := login.Wait(ctx); err != nil {
		s.fail(gen, err)
		return
	}

	// Full document
	if !s.advance(gen, StateAuthenticated, StatusConnecting, "Loading device state") {
		return
	}
	fetch := s.disp.EnqueueIn(gen, dispatch.PriorityResync, func(ctx context.Context) ([]byte, error) {
		return sess.Get(ctx, session.DevicePath)
	})
	body, err := fetch.Wait(ctx)
	if err != nil {
		s.fail(gen, err)
		return
	}
	doc, err := state.ParseDocument(body)
	if err != nil {
		s.fail(gen, err)
		return
	}
	var storeOpts []state.Option
	if s.opts.Equal != nil {
		storeOpts = append(storeOpts, state.WithEqual(s.opts.Equal))
	}
	store, err := state.NewStore(doc, storeOpts...)
	if err != nil {
		s.fail(gen, err)
		return
	}
	if !s.installStore(gen, store) {
		return
	}

	// Realtime channel
	if !s.advance(gen, StateChannelOpening, StatusConnecting, "Opening realtime channel") {
		return
	}
	ch, err := channel.Open(ctx, channel.Options{
		URL:               sess.ChannelURL(),
		Header:            sess.ChannelHeader(),
		TLSConfig:         sess.TLSConfig(),
		Dispatcher:        s.disp,
		Generation:        gen,
		KeepaliveInterval: s.opts.KeepaliveInterval,
		OnHandshake:       sess.ObserveHeader,
		OnMessage:         func(data []byte) { s.handleMessage(gen, data) },
		OnClosed:          func(cause error) { s.fail(gen, cause) },
		Logger:            s.logger,
	})
	if err != nil {
		s.fail(gen, err)
		return
	}

	// The channel may already have failed and moved gen to Backoff.
	s.mu.Lock()
	if gen != s.gen || s.stopped || !s.setStateLocked(StateLive, StatusLive, "Connected to "+cfg.Host, fault.KindUnknown) {
		s.mu.Unlock()
		ch.Close()
		return
	}
	s.ch = ch
	s.unlockAndEmit()

	s.logger.Info("nxm connection live", "host", cfg.Host, "generation", gen.ID())
}

// attach records sess as the session of gen.
func (s *Supervisor) attach(gen *dispatch.Generation, sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.stopped {
		return false
	}
	s.sess = sess
	return true
}

// installStore replaces the store with one built from a fresh full
// document. Subsystems that differ from the previous store, or all of them
// on first load, are reported as changed.
func (s *Supervisor) installStore(gen *dispatch.Generation, store *state.Store) bool {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return false
	}
	prev := s.store
	s.store = store
	s.mu.Unlock()

	changed := state.NewSubsystemSet()
	for _, sub := range state.Subsystems() {
		cur, ok := store.Subsystem(sub)
		if !ok {
			continue
		}
		if prev != nil {
			if old, ok := prev.Subsystem(sub); ok && bytes.Equal(old, cur) {
				continue
			}
		}
		changed[sub] = struct{}{}
	}
	s.notifier.Add(changed)
	return true
}

// handleMessage parses one channel message, merges it and queues the
// changed subsystems for notification. A malformed message is dropped
// without touching the connection.
func (s *Supervisor) handleMessage(gen *dispatch.Generation, data []byte) {
	if gen.Expired() {
		return
	}

	p, err := s.opts.Parse(data)
	if err != nil {
		s.logger.Warn("dropping malformed nxm update",
			"kind", fault.Classify(err).Kind.String(),
			"error", err,
		)
		return
	}
	if p.Empty() {
		return
	}

	s.mu.Lock()
	store := s.store
	current := gen == s.gen
	s.mu.Unlock()
	if !current || store == nil {
		return
	}

	changed, err := store.Merge(p)
	if err != nil {
		s.logger.Warn("nxm update not merged", "error", err)
		return
	}
	if len(changed) == 0 {
		s.logger.Debug("nxm update changed nothing")
		return
	}
	s.notifier.Add(changed)
}
