package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/channel"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/dispatch"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/session"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/state"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/subscription"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/throttle"
)

// Supervisor owns the connection to one appliance.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Status callbacks run one at a time, in transition order.
type Supervisor struct {
	opts   Options
	logger Logger

	disp      *dispatch.Dispatcher
	registry  *subscription.Registry
	notifier  *subscription.Notifier
	reconnect *throttle.Trailing

	mu        sync.Mutex
	appliance ApplianceConfig
	state     ConnState
	report    StatusReport
	gen       *dispatch.Generation
	sess      *session.Session
	store     *state.Store
	ch        *channel.Channel
	started   bool
	stopped   bool

	// stopDone is closed when Shutdown has finished.
	stopDone chan struct{}

	// reconnectGen is the generation a pending reconnect was scheduled for.
	reconnectGen uint64

	// outbox queues status reports for in-order delivery.
	outbox []StatusReport
	emitMu sync.Mutex

	cbMu             sync.RWMutex
	changeHandlers   []func(subscription.Change)
	redefineHandlers []func(state.SubsystemSet)
	statusHandlers   []func(StatusReport)

	wg sync.WaitGroup
}

// New creates a Supervisor. It does nothing until Start.
func New(opts Options) *Supervisor {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Appliance.RequestTimeout <= 0 {
		opts.Appliance.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Parse == nil {
		opts.Parse = state.ParsePartial
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	s := &Supervisor{
		opts:      opts,
		logger:    logger,
		disp:      dispatch.New(dispatch.Options{Spacing: opts.JobSpacing}),
		registry:  subscription.NewRegistry(),
		appliance: opts.Appliance,
		state:     StateDisconnected,
		stopDone:  make(chan struct{}),
	}
	s.gen = s.disp.Current()
	s.report = StatusReport{
		Status:     StatusDegraded,
		State:      StateDisconnected,
		Detail:     "Not started",
		Generation: s.gen.ID(),
		Since:      time.Now(),
	}
	s.notifier = subscription.NewNotifier(subscription.NotifierOptions{
		Registry:       s.registry,
		Window:         opts.NotifyWindow,
		RedefineWindow: opts.RedefineWindow,
		OnChange:       s.emitChange,
		OnRedefine:     s.emitRedefine,
		Logger:         logger,
	})
	s.reconnect = throttle.NewTrailing(opts.ReconnectDelay, s.reconnectNow)
	return s
}

// Start launches the dispatcher and the first connect sequence. The
// supervisor shuts itself down when ctx is done; callers that need to order
// the shutdown pass a context they do not cancel and call Shutdown.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.disp.Start(ctx)
	s.logger.Info("nxm supervisor starting", "host", s.Appliance().Host)
	s.begin(false)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopDone:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		defer cancel()
		s.Shutdown(shutdownCtx)
	}()
}

// Reconfigure replaces the appliance settings, retires the current
// generation and starts a new connect sequence. Before Start it only stores
// the settings.
func (s *Supervisor) Reconfigure(cfg ApplianceConfig) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	s.mu.Lock()
	s.appliance = cfg
	run := s.started && !s.stopped
	s.mu.Unlock()

	if !run {
		return
	}
	s.logger.Info("nxm appliance reconfigured", "host", cfg.Host)
	s.begin(true)
}

// Shutdown logs out, cancels every job, closes the channel and releases all
// timers. The supervisor cannot be restarted. A call made while another
// Shutdown is in progress waits for it, or for ctx.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		select {
		case <-s.stopDone:
		case <-ctx.Done():
		}
		return
	}
	s.stopped = true
	defer close(s.stopDone)
	s.reconnect.Stop()
	s.notifier.Stop()
	s.gen = s.disp.Advance()
	ch, sess := s.ch, s.sess
	s.ch, s.sess = nil, nil
	s.setStateLocked(StateDisconnected, StatusDegraded, "Shut down", fault.KindUnknown)
	s.unlockAndEmit()

	if ch != nil {
		ch.Close()
	}
	if sess != nil {
		sess.Logout(ctx)
	}
	s.disp.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("nxm supervisor shutdown timed out waiting for connect sequence")
	}
	s.logger.Info("nxm supervisor stopped")
}

// Appliance returns the current appliance settings.
func (s *Supervisor) Appliance() ApplianceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appliance
}

// State returns the current connection state.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the latest status report.
func (s *Supervisor) Status() StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.report
	r.ReconnectScheduled = s.reconnect.Pending()
	return r
}

// CurrentSnapshot returns the mirrored device state. ok is false until the
// first full document has been loaded. During a reconnect the last known
// state is returned.
func (s *Supervisor) CurrentSnapshot() (state.Device, bool) {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store == nil {
		return state.Device{}, false
	}
	return store.Snapshot(), true
}

// SubsystemJSON returns one subsystem of the mirrored state as JSON.
func (s *Supervisor) SubsystemJSON(sub state.Subsystem) ([]byte, bool) {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store == nil {
		return nil, false
	}
	return store.Subsystem(sub)
}

// Subscribe registers observerID for changes to subsystem.
func (s *Supervisor) Subscribe(subsystem state.Subsystem, observerID string) {
	s.registry.Subscribe(subsystem, observerID)
}

// Unsubscribe removes observerID from subsystem.
func (s *Supervisor) Unsubscribe(subsystem state.Subsystem, observerID string) {
	s.registry.Unsubscribe(subsystem, observerID)
}

// OnSubsystemsChanged registers a callback for batched change
// notifications.
func (s *Supervisor) OnSubsystemsChanged(fn func(subscription.Change)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.changeHandlers = append(s.changeHandlers, fn)
}

// OnRedefine registers a callback for inventory redefinitions, batched over
// the long window.
func (s *Supervisor) OnRedefine(fn func(state.SubsystemSet)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.redefineHandlers = append(s.redefineHandlers, fn)
}

// OnStatusChanged registers a callback invoked on every state transition,
// in order.
func (s *Supervisor) OnStatusChanged(fn func(StatusReport)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.statusHandlers = append(s.statusHandlers, fn)
}

// DispatcherStats returns the dispatcher counters.
func (s *Supervisor) DispatcherStats() dispatch.Stats {
	return s.disp.Stats()
}

// ChannelStats returns the realtime channel counters. ok is false when no
// channel is open.
func (s *Supervisor) ChannelStats() (channel.Stats, bool) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return channel.Stats{}, false
	}
	return ch.Stats(), true
}

// EnqueueCommand submits cmd to the dispatcher under the current
// generation. The command fails with ErrNotLive if the connection is not
// Live when it reaches the front of the queue.
func (s *Supervisor) EnqueueCommand(cmd Command, priority int) *dispatch.Future {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	f := s.disp.EnqueueIn(gen, priority, func(ctx context.Context) ([]byte, error) {
		sess, ch, ok := s.linkFor(gen)
		if !ok {
			return nil, ErrNotLive
		}
		switch cmd.Kind {
		case CommandGet:
			return sess.Get(ctx, cmd.Path)
		case CommandPost:
			return sess.Post(ctx, cmd.Path, cmd.Payload)
		case CommandChannelSend:
			return nil, ch.Write(cmd.Payload)
		default:
			return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, cmd.Kind)
		}
	})

	go s.watchCommand(gen, cmd, f)
	return f
}

// watchCommand reacts to a failed command while Live: an authentication
// failure forces an immediate re-login, a reconnect-worthy failure
// schedules a reconnect.
func (s *Supervisor) watchCommand(gen *dispatch.Generation, cmd Command, f *dispatch.Future) {
	<-f.Done()
	_, err := f.Result()
	if err == nil {
		return
	}

	c := fault.Classify(err)
	switch {
	case c.Kind == fault.KindCancelled:
		s.logger.Debug("nxm command cancelled", "id", f.ID(), "kind", cmd.Kind.String())
		return
	case c.Kind == fault.KindAuthentication:
		if s.isLive(gen) {
			s.logger.Warn("nxm session rejected, logging in again", "id", f.ID())
			s.begin(false)
		}
	case c.Reconnect:
		if s.isLive(gen) {
			s.fail(gen, err)
		}
	default:
		s.logger.Warn("nxm command failed", "id", f.ID(), "kind", cmd.Kind.String(), "error", c.Message)
	}
}

func (s *Supervisor) linkFor(gen *dispatch.Generation) (*session.Session, *channel.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StateLive || s.sess == nil || s.ch == nil {
		return nil, nil, false
	}
	return s.sess, s.ch, true
}

func (s *Supervisor) isLive(gen *dispatch.Generation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.state == StateLive && !s.stopped
}

// begin retires the current generation and launches a connect sequence.
// explicit marks a Reconfigure, which passes through Disconnected.
func (s *Supervisor) begin(explicit bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.reconnect.Cancel()
	s.notifier.Reset()

	oldCh, oldSess := s.ch, s.sess
	s.ch, s.sess = nil, nil

	// The next generation exists before any report goes out, so the retired
	// connect sequence fails every generation check from here on.
	gen := s.disp.Advance()
	s.gen = gen
	if explicit && s.state != StateDisconnected {
		s.setStateLocked(StateDisconnected, StatusConnecting, "Reconfiguring", fault.KindUnknown)
	}
	if s.state == StateLive {
		// Re-login after a rejected command skips Backoff.
		s.setStateLocked(StateBackoff, StatusConnecting, "Session expired", fault.KindAuthentication)
	}
	s.setStateLocked(StateConnecting, StatusConnecting, "Connecting to "+s.appliance.Host, fault.KindUnknown)
	cfg := s.appliance
	s.wg.Add(1)
	s.unlockAndEmit()

	go func() {
		defer s.wg.Done()
		s.teardown(oldCh, oldSess)
		s.connect(gen, cfg)
	}()
}

// teardown releases the resources of a retired generation.
func (s *Supervisor) teardown(ch *channel.Channel, sess *session.Session) {
	if ch != nil {
		ch.Close()
	}
	if sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		sess.Logout(ctx)
		cancel()
	}
}

// reconnectNow fires from the reconnect throttle.
func (s *Supervisor) reconnectNow() {
	s.mu.Lock()
	current := !s.stopped && s.state == StateBackoff && s.reconnectGen == s.gen.ID()
	s.mu.Unlock()

	if !current {
		s.logger.Debug("nxm reconnect superseded")
		return
	}
	s.logger.Info("nxm reconnecting")
	s.begin(false)
}

// fail moves gen to Backoff. Reconnect-worthy and transient failures
// schedule a throttled reconnect; configuration and authentication
// failures report BadConfig and wait for Reconfigure. A step cancelled while
// its generation is still current is transient too.
func (s *Supervisor) fail(gen *dispatch.Generation, err error) {
	c := fault.Classify(err)

	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		s.logger.Debug("nxm failure from retired generation ignored", "generation", gen.ID(), "error", err)
		return
	}
	if errors.Is(err, dispatch.ErrClosed) {
		s.mu.Unlock()
		s.logger.Debug("nxm dispatcher closed", "generation", gen.ID())
		return
	}

	status := StatusDegraded
	retry := true
	switch c.Kind.Category() {
	case fault.CategoryConfiguration, fault.CategoryAuthentication:
		status = StatusBadConfig
		retry = false
	}

	from := s.state
	if retry {
		s.reconnectGen = gen.ID()
		s.reconnect.Trigger()
	}
	s.setStateLocked(StateBackoff, status, c.Message, c.Kind)
	s.unlockAndEmit()

	if retry {
		s.logger.Warn("nxm connection failed, reconnect scheduled",
			"from", from.String(),
			"kind", c.Kind.String(),
			"delay", s.opts.ReconnectDelay,
			"error", err,
		)
		return
	}
	s.logger.Error("nxm connection failed, check configuration",
		"from", from.String(),
		"kind", c.Kind.String(),
		"error", err,
	)
}

// advance moves gen to the next connect step. It returns false when gen has
// been superseded or the move is not a legal transition.
func (s *Supervisor) advance(gen *dispatch.Generation, to ConnState, status Status, detail string) bool {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return false
	}
	ok := s.setStateLocked(to, status, detail, fault.KindUnknown)
	s.unlockAndEmit()
	return ok
}

// setStateLocked records a transition. Illegal transitions are logged and
// rejected. Caller holds s.mu.
func (s *Supervisor) setStateLocked(to ConnState, status Status, detail string, kind fault.Kind) bool {
	if s.state == to && to == StateBackoff {
		// Repeated failures while backing off only refresh the report.
		s.report.Status, s.report.Detail, s.report.Kind = status, detail, kind
		s.report.ReconnectScheduled = s.reconnect.Pending()
		return true
	}
	if !canTransition(s.state, to) {
		s.logger.Error("illegal nxm state transition", "from", s.state.String(), "to", to.String())
		return false
	}

	s.state = to
	s.report = StatusReport{
		Status:     status,
		State:      to,
		Detail:     detail,
		Kind:       kind,
		Generation: s.gen.ID(),
		Since:      time.Now(),

		ReconnectScheduled: s.reconnect.Pending(),
	}
	s.outbox = append(s.outbox, s.report)
	return true
}

// unlockAndEmit releases s.mu and delivers queued status reports.
func (s *Supervisor) unlockAndEmit() {
	s.mu.Unlock()
	s.drainReports()
}

// drainReports delivers the outbox in order. Only one goroutine drains at a
// time; a report queued while another goroutine drains is picked up by it,
// so handlers may themselves cause transitions.
func (s *Supervisor) drainReports() {
	for {
		if !s.emitMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			reports := s.outbox
			s.outbox = nil
			s.mu.Unlock()
			if len(reports) == 0 {
				break
			}

			s.cbMu.RLock()
			handlers := slices.Clone(s.statusHandlers)
			s.cbMu.RUnlock()

			for _, r := range reports {
				s.logger.Debug("nxm state changed", "state", r.State.String(), "status", r.Status.String())
				for _, fn := range handlers {
					fn(r)
				}
			}
		}
		s.emitMu.Unlock()

		s.mu.Lock()
		empty := len(s.outbox) == 0
		s.mu.Unlock()
		if empty {
			return
		}
	}
}

func (s *Supervisor) emitChange(c subscription.Change) {
	s.cbMu.RLock()
	handlers := slices.Clone(s.changeHandlers)
	s.cbMu.RUnlock()
	for _, fn := range handlers {
		fn(c)
	}
}

func (s *Supervisor) emitRedefine(set state.SubsystemSet) {
	s.cbMu.RLock()
	handlers := slices.Clone(s.redefineHandlers)
	s.cbMu.RUnlock()
	for _, fn := range handlers {
		fn(set)
	}
}
