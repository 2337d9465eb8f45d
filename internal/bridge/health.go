package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/channel"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/dispatch"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/supervisor"
)

// DefaultHealthInterval is how often health is published.
const DefaultHealthInterval = 30 * time.Second

// HealthReporter publishes bridge health to MQTT.
type HealthReporter struct {
	bridgeID  string
	version   string
	host      func() string
	startTime time.Time
	interval  time.Duration
	publisher Publisher
	source    StatusSource
	telemetry Telemetry

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// StatusSource provides the connection status and counters.
type StatusSource interface {
	Status() supervisor.StatusReport
	DispatcherStats() dispatch.Stats
	ChannelStats() (channel.Stats, bool)
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Host returns the configured appliance host; it may change on
	// reconfigure.
	Host func() string

	// Interval defaults to DefaultHealthInterval.
	Interval time.Duration

	Publisher Publisher
	Source    StatusSource

	// Telemetry, when set, receives dispatcher counters with each report.
	Telemetry Telemetry

	Logger Logger
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	host := cfg.Host
	if host == nil {
		host = func() string { return "" }
	}
	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		host:      host,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		source:    cfg.Source,
		telemetry: cfg.Telemetry,
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Start begins periodic reporting until ctx is done or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status. Safe to
// call more than once.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // best effort during shutdown
		h.publish(HealthStopping, "bridge stopping")
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publish(status, reason)
}

// LWTPayload returns the Last Will payload for the health topic.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.bridgeID))
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logger.Error("failed to publish health", "error", err)
			}
		}
	}
}

// determineStatus maps the connection status onto a health status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.source == nil {
		return HealthDegraded, "no appliance connection"
	}

	report := h.source.Status()
	switch report.Status {
	case supervisor.StatusLive:
		return HealthHealthy, ""
	case supervisor.StatusBadConfig:
		return HealthBadConfig, report.Detail
	default:
		return HealthDegraded, report.Detail
	}
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	var msg HealthMessage
	if h.source != nil {
		msg = NewHealthMessage(h.bridgeID, h.version, status, h.source.Status(), h.host(), h.startTime)
		ds := h.source.DispatcherStats()
		msg.Dispatcher = dispatcherStats(ds)
		if cs, ok := h.source.ChannelStats(); ok {
			msg.Channel = channelStats(cs)
		}
		if h.telemetry != nil {
			h.telemetry.WriteDispatcher(ds.Pending, ds.Enqueued, ds.Completed, ds.Failed, ds.Cancelled)
		}
	} else {
		msg = HealthMessage{
			Bridge:        h.bridgeID,
			Timestamp:     time.Now().UTC(),
			Status:        status,
			Version:       h.version,
			UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		}
	}
	msg.Reason = reason

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(mqtt.Topics{}.Health(), payload, 1, true)
}
