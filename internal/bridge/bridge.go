package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/history"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/dispatch"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/state"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/subscription"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/supervisor"
)

// ObserverID is the subscription id the bridge registers with the
// supervisor.
const ObserverID = "mqtt"

const (
	// defaultCommandTimeout bounds the wait for the appliance to take a
	// routing message.
	defaultCommandTimeout = 10 * time.Second

	// recordTimeout bounds a single history write.
	recordTimeout = 5 * time.Second
)

// Bridge publishes appliance state to MQTT and executes routing commands
// received from it.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	opts   Options
	mqtt   MQTTClient
	sup    Supervisor
	health *HealthReporter
	logger Logger

	// lastRoutes holds the routes last written to telemetry.
	lastRoutes map[string]state.Route
	routesMu   sync.Mutex

	statesPublished  atomic.Uint64
	commandsReceived atomic.Uint64
	commandsAccepted atomic.Uint64
	commandsFailed   atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// Publisher publishes MQTT messages.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Supervisor is the subset of *supervisor.Supervisor the bridge uses.
type Supervisor interface {
	StatusSource
	Appliance() supervisor.ApplianceConfig
	SubsystemJSON(sub state.Subsystem) ([]byte, bool)
	CurrentSnapshot() (state.Device, bool)
	Subscribe(sub state.Subsystem, observerID string)
	Unsubscribe(sub state.Subsystem, observerID string)
	OnSubsystemsChanged(fn func(subscription.Change))
	OnStatusChanged(fn func(supervisor.StatusReport))
	EnqueueCommand(cmd supervisor.Command, priority int) *dispatch.Future
}

// HistoryRecorder persists changes and status transitions.
type HistoryRecorder interface {
	RecordChange(ctx context.Context, c *history.Change) error
	RecordStatus(ctx context.Context, e *history.StatusEvent) error
}

// Telemetry receives time-series points. Satisfied by *influxdb.Client.
type Telemetry interface {
	WriteRoute(dest, videoSource, audioSource string)
	WriteStatus(status, state, kind string, generation uint64)
	WriteDispatcher(pending int, enqueued, completed, failed, cancelled uint64)
}

// Logger is the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Options configures a Bridge.
type Options struct {
	SiteID   string
	BridgeID string
	Version  string

	MQTT       MQTTClient
	Supervisor Supervisor

	// History and Telemetry are optional.
	History   HistoryRecorder
	Telemetry Telemetry

	HealthInterval time.Duration
	CommandTimeout time.Duration

	Logger Logger
}

// BridgeMetrics holds bridge counters.
type BridgeMetrics struct {
	StatesPublished  uint64 `json:"states_published"`
	CommandsReceived uint64 `json:"commands_received"`
	CommandsAccepted uint64 `json:"commands_accepted"`
	CommandsFailed   uint64 `json:"commands_failed"`
}

// New creates a bridge. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Supervisor == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	if opts.BridgeID == "" {
		opts.BridgeID = Protocol
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		opts:       opts,
		mqtt:       opts.MQTT,
		sup:        opts.Supervisor,
		logger:     logger,
		lastRoutes: make(map[string]state.Route),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  cancel,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Host:      func() string { return opts.Supervisor.Appliance().Host },
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTT,
		Source:    opts.Supervisor,
		Telemetry: opts.Telemetry,
		Logger:    logger,
	})
	return b, nil
}

// Start subscribes to every subsystem and to the command topics, and
// begins health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		if pubErr := b.health.PublishStarting(); pubErr != nil {
			b.logger.Warn("failed to publish starting status", "error", pubErr)
		}

		for _, sub := range state.Subsystems() {
			b.sup.Subscribe(sub, ObserverID)
		}
		b.sup.OnSubsystemsChanged(b.handleChange)
		b.sup.OnStatusChanged(b.handleStatus)

		topic := mqtt.Topics{}.AllCommands()
		if subErr := b.mqtt.Subscribe(topic, 1, b.handleMessage); subErr != nil {
			err = fmt.Errorf("subscribe to commands: %w", subErr)
			return
		}
		b.logger.Info("subscribed to commands", "topic", topic)

		b.health.Start(ctx)
		if pubErr := b.health.PublishNow(); pubErr != nil {
			b.logger.Warn("failed to publish health", "error", pubErr)
		}
		b.logger.Info("bridge started", "bridge_id", b.opts.BridgeID)
	})
	return err
}

// Stop waits for in-flight commands, publishes a stopping status and
// detaches from the supervisor.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()
		b.wg.Wait()
		b.health.Stop()

		for _, sub := range state.Subsystems() {
			b.sup.Unsubscribe(sub, ObserverID)
		}
		if b.mqtt.IsConnected() {
			if err := b.mqtt.Unsubscribe(mqtt.Topics{}.AllCommands()); err != nil {
				b.logger.Debug("unsubscribe commands", "error", err)
			}
		}
		b.logger.Info("bridge stopped")
	})
}

// GetMetrics returns the bridge counters.
func (b *Bridge) GetMetrics() BridgeMetrics {
	return BridgeMetrics{
		StatesPublished:  b.statesPublished.Load(),
		CommandsReceived: b.commandsReceived.Load(),
		CommandsAccepted: b.commandsAccepted.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
	}
}

func (b *Bridge) stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// handleChange publishes every changed subsystem the bridge observes.
func (b *Bridge) handleChange(c subscription.Change) {
	if b.stopped() || !observes(c.Observers) {
		return
	}
	for _, sub := range c.Subsystems.Sorted() {
		raw, ok := b.sup.SubsystemJSON(sub)
		if !ok {
			continue
		}
		b.publishState(sub, raw)
		b.recordChange(sub, raw)
		if sub == state.AvMatrixRoutingV2 {
			b.writeRoutes()
		}
	}
}

func observes(observers []string) bool {
	for _, id := range observers {
		if id == ObserverID {
			return true
		}
	}
	return false
}

func (b *Bridge) publishState(sub state.Subsystem, raw []byte) {
	payload, err := json.Marshal(NewStateMessage(string(sub), raw))
	if err != nil {
		b.logger.Error("failed to marshal state", "subsystem", string(sub), "error", err)
		return
	}
	if err := b.mqtt.Publish(mqtt.Topics{}.State(string(sub)), payload, 1, true); err != nil {
		b.logger.Warn("failed to publish state", "subsystem", string(sub), "error", err)
		return
	}
	b.statesPublished.Add(1)
}

func (b *Bridge) recordChange(sub state.Subsystem, raw []byte) {
	if b.opts.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, recordTimeout)
	defer cancel()

	err := b.opts.History.RecordChange(ctx, &history.Change{
		SiteID:    b.opts.SiteID,
		Subsystem: string(sub),
		Payload:   append(json.RawMessage(nil), raw...),
	})
	if err != nil {
		b.logger.Warn("failed to record change", "subsystem", string(sub), "error", err)
	}
}

// writeRoutes writes a telemetry point for every route that differs from
// the last one written.
func (b *Bridge) writeRoutes() {
	if b.opts.Telemetry == nil {
		return
	}
	snap, ok := b.sup.CurrentSnapshot()
	if !ok {
		return
	}

	b.routesMu.Lock()
	defer b.routesMu.Unlock()
	for dest, route := range snap.AvMatrixRoutingV2.Routes {
		if prev, seen := b.lastRoutes[dest]; seen && prev == route {
			continue
		}
		b.lastRoutes[dest] = route
		b.opts.Telemetry.WriteRoute(dest, route.VideoSource, route.AudioSource)
	}
}

// handleStatus republishes health and records the transition.
func (b *Bridge) handleStatus(r supervisor.StatusReport) {
	if b.stopped() {
		return
	}
	if err := b.health.PublishNow(); err != nil {
		b.logger.Debug("failed to publish health", "error", err)
	}

	kind := ""
	if r.Kind != fault.KindUnknown {
		kind = r.Kind.String()
	}
	if b.opts.Telemetry != nil {
		b.opts.Telemetry.WriteStatus(r.Status.String(), r.State.String(), kind, r.Generation)
	}
	if b.opts.History != nil {
		ctx, cancel := context.WithTimeout(b.ctx, recordTimeout)
		defer cancel()
		err := b.opts.History.RecordStatus(ctx, &history.StatusEvent{
			SiteID:     b.opts.SiteID,
			Status:     r.Status.String(),
			State:      r.State.String(),
			Detail:     r.Detail,
			Kind:       kind,
			Generation: r.Generation,
		})
		if err != nil {
			b.logger.Warn("failed to record status", "error", err)
		}
	}
}

// handleMessage handles one message on the command topic.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	target, ok := mqtt.Topics{}.CommandTarget(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %q", topic)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("parsing command: %w", err)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	b.commandsReceived.Add(1)

	dest := cmd.StringParam("output")
	if dest == "" {
		dest = target
	}
	b.logger.Info("received command", "command_id", cmd.ID, "command", cmd.Command, "output", dest)

	routed, err := buildCommand(cmd, dest)
	if err != nil {
		code := ErrCodeInvalidParameters
		if errors.Is(err, ErrUnknownCommand) {
			code = ErrCodeInvalidCommand
		}
		b.publishAck(NewAckError(cmd, dest, code, err.Error()))
		return nil
	}

	f := b.sup.EnqueueCommand(routed, dispatch.PriorityCommand)
	b.wg.Add(1)
	go b.awaitAck(cmd, dest, f)
	return nil
}

// buildCommand turns a command message into a channel command.
func buildCommand(cmd CommandMessage, dest string) (supervisor.Command, error) {
	var sig state.Signal
	switch cmd.Command {
	case CommandRouteVideo:
		sig = state.SignalVideo
	case CommandRouteAudio:
		sig = state.SignalAudio
	case CommandRouteAV:
		sig = state.SignalAudioVideo
	default:
		return supervisor.Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}

	source := cmd.StringParam("source")
	if source == "" {
		return supervisor.Command{}, fmt.Errorf("%w: source", ErrMissingParameter)
	}
	return supervisor.RouteCommand(dest, source, sig)
}

func (b *Bridge) awaitAck(cmd CommandMessage, dest string, f *dispatch.Future) {
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(b.ctx, b.opts.CommandTimeout)
	defer cancel()

	if _, err := f.Wait(ctx); err != nil {
		b.commandsFailed.Add(1)
		b.logger.Warn("command failed", "command_id", cmd.ID, "output", dest, "error", err)
		b.publishAck(NewAckError(cmd, dest, errorCode(err), err.Error()))
		return
	}
	b.commandsAccepted.Add(1)
	b.publishAck(NewAckMessage(cmd, dest))
}

// errorCode maps a command failure onto an ack error code.
func errorCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	if errors.Is(err, supervisor.ErrNotLive) {
		return ErrCodeDeviceUnreachable
	}
	switch fault.Classify(err).Kind.Category() {
	case fault.CategoryNetwork, fault.CategoryCancellation:
		return ErrCodeDeviceUnreachable
	default:
		return ErrCodeProtocolError
	}
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(mqtt.Topics{}.Ack(ack.Target), payload, 1, false); err != nil {
		b.logger.Warn("failed to publish ack", "command_id", ack.CommandID, "error", err)
	}
}
