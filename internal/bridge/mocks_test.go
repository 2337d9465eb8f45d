package bridge

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/history"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/channel"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/dispatch"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/state"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/subscription"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/supervisor"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type mockMQTT struct {
	mu        sync.Mutex
	connected bool
	messages  []published
	handlers  map[string]mqtt.MessageHandler
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return mqtt.ErrNotConnected
	}
	m.messages = append(m.messages, published{topic, append([]byte(nil), payload...), retained})
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

// deliver simulates a message arriving on topic.
func (m *mockMQTT) deliver(t *testing.T, topic string, payload string) error {
	t.Helper()
	m.mu.Lock()
	h := m.handlers[mqtt.Topics{}.AllCommands()]
	m.mu.Unlock()
	if h == nil {
		t.Fatal("no command handler subscribed")
	}
	return h(topic, []byte(payload))
}

func (m *mockMQTT) on(topic string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, p := range m.messages {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// waitFor polls until at least n messages were published on topic.
func (m *mockMQTT) waitFor(t *testing.T, topic string, n int) []published {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := m.on(topic); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waited for %d messages on %s, got %d", n, topic, len(m.on(topic)))
	return nil
}

// mockSupervisor runs commands on a real dispatcher so futures behave as
// they do in production.
type mockSupervisor struct {
	disp *dispatch.Dispatcher

	mu        sync.Mutex
	report    supervisor.StatusReport
	subs      map[state.Subsystem]map[string]bool
	raw       map[state.Subsystem][]byte
	snapshot  state.Device
	hasSnap   bool
	commands  []supervisor.Command
	result    error
	block     chan struct{}
	onChange  []func(subscription.Change)
	onStatus  []func(supervisor.StatusReport)
	dispStats dispatch.Stats
}

func newMockSupervisor(t *testing.T) *mockSupervisor {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := dispatch.New(dispatch.Options{Spacing: -1})
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Close()
	})
	return &mockSupervisor{
		disp:   d,
		report: supervisor.StatusReport{Status: supervisor.StatusLive, State: supervisor.StateLive, Since: time.Now()},
		subs:   make(map[state.Subsystem]map[string]bool),
		raw:    make(map[state.Subsystem][]byte),
	}
}

func (s *mockSupervisor) Status() supervisor.StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

func (s *mockSupervisor) DispatcherStats() dispatch.Stats { return s.dispStats }

func (s *mockSupervisor) ChannelStats() (channel.Stats, bool) {
	return channel.Stats{MessagesRx: 4, Open: true}, true
}

func (s *mockSupervisor) Appliance() supervisor.ApplianceConfig {
	return supervisor.ApplianceConfig{Host: "nxm.local"}
}

func (s *mockSupervisor) SubsystemJSON(sub state.Subsystem) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.raw[sub]
	return raw, ok
}

func (s *mockSupervisor) CurrentSnapshot() (state.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, s.hasSnap
}

func (s *mockSupervisor) Subscribe(sub state.Subsystem, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[sub] == nil {
		s.subs[sub] = make(map[string]bool)
	}
	s.subs[sub][id] = true
}

func (s *mockSupervisor) Unsubscribe(sub state.Subsystem, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[sub], id)
}

func (s *mockSupervisor) subscribed(sub state.Subsystem, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[sub][id]
}

func (s *mockSupervisor) OnSubsystemsChanged(fn func(subscription.Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *mockSupervisor) OnStatusChanged(fn func(supervisor.StatusReport)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = append(s.onStatus, fn)
}

func (s *mockSupervisor) EnqueueCommand(cmd supervisor.Command, priority int) *dispatch.Future {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	result, block := s.result, s.block
	s.mu.Unlock()

	return s.disp.Enqueue(priority, func(ctx context.Context) ([]byte, error) {
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, result
	})
}

func (s *mockSupervisor) change(c subscription.Change) {
	s.mu.Lock()
	handlers := slices.Clone(s.onChange)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(c)
	}
}

func (s *mockSupervisor) setStatus(r supervisor.StatusReport) {
	s.mu.Lock()
	s.report = r
	handlers := slices.Clone(s.onStatus)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(r)
	}
}

func (s *mockSupervisor) sent() []supervisor.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]supervisor.Command(nil), s.commands...)
}

type mockHistory struct {
	mu       sync.Mutex
	changes  []history.Change
	statuses []history.StatusEvent
}

func (h *mockHistory) RecordChange(_ context.Context, c *history.Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, *c)
	return nil
}

func (h *mockHistory) RecordStatus(_ context.Context, e *history.StatusEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, *e)
	return nil
}

type routePoint struct{ dest, video, audio string }

type mockTelemetry struct {
	mu          sync.Mutex
	routes      []routePoint
	statuses    []string
	dispatchers int
}

func (m *mockTelemetry) WriteRoute(dest, video, audio string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, routePoint{dest, video, audio})
}

func (m *mockTelemetry) WriteStatus(status, _, _ string, _ uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func (m *mockTelemetry) WriteDispatcher(int, uint64, uint64, uint64, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchers++
}
