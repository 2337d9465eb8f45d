package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/state"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/subscription"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/supervisor"
)

type harness struct {
	bridge    *Bridge
	mqtt      *mockMQTT
	sup       *mockSupervisor
	history   *mockHistory
	telemetry *mockTelemetry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mqtt:      newMockMQTT(),
		sup:       newMockSupervisor(t),
		history:   &mockHistory{},
		telemetry: &mockTelemetry{},
	}
	b, err := New(Options{
		SiteID:         "site-1",
		Version:        "test",
		MQTT:           h.mqtt,
		Supervisor:     h.sup,
		History:        h.history,
		Telemetry:      h.telemetry,
		HealthInterval: time.Hour,
		CommandTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	h.bridge = b
	return h
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{Supervisor: newMockSupervisor(t)}); err == nil {
		t.Error("New() without MQTT client should fail")
	}
	if _, err := New(Options{MQTT: newMockMQTT()}); err == nil {
		t.Error("New() without supervisor should fail")
	}
}

func TestStart_SubscribesEverySubsystem(t *testing.T) {
	h := newHarness(t)

	for _, sub := range state.Subsystems() {
		if !h.sup.subscribed(sub, ObserverID) {
			t.Errorf("bridge not subscribed to %s", sub)
		}
	}
	if len(h.mqtt.on(mqtt.Topics{}.Health())) < 2 {
		t.Error("expected starting and initial health messages")
	}
}

func TestChange_PublishesRetainedState(t *testing.T) {
	h := newHarness(t)
	routing := []byte(`{"Routes":{"Output1":{"VideoSource":"Input2"}}}`)
	h.sup.raw[state.AvMatrixRoutingV2] = routing

	h.sup.change(subscription.Change{
		Subsystems: state.NewSubsystemSet(state.AvMatrixRoutingV2),
		Observers:  []string{"api", ObserverID},
	})

	msgs := h.mqtt.on(mqtt.Topics{}.State("AvMatrixRoutingV2"))
	if len(msgs) != 1 {
		t.Fatalf("got %d state messages, want 1", len(msgs))
	}
	if !msgs[0].retained {
		t.Error("state message not retained")
	}
	var msg StateMessage
	if err := json.Unmarshal(msgs[0].payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Subsystem != "AvMatrixRoutingV2" || msg.Protocol != Protocol {
		t.Errorf("message = %+v", msg)
	}
	if string(msg.State) != string(routing) {
		t.Errorf("State = %s, want %s", msg.State, routing)
	}

	if len(h.history.changes) != 1 || h.history.changes[0].SiteID != "site-1" {
		t.Errorf("history changes = %+v", h.history.changes)
	}
	if got := h.bridge.GetMetrics().StatesPublished; got != 1 {
		t.Errorf("StatesPublished = %d, want 1", got)
	}
}

func TestChange_IgnoredWithoutObserver(t *testing.T) {
	h := newHarness(t)
	h.sup.raw[state.AvioV2] = []byte(`{}`)

	h.sup.change(subscription.Change{
		Subsystems: state.NewSubsystemSet(state.AvioV2),
		Observers:  []string{"api"},
	})

	if n := len(h.mqtt.on(mqtt.Topics{}.State("AvioV2"))); n != 0 {
		t.Errorf("published %d state messages for a change the bridge does not observe", n)
	}
}

func TestChange_WritesOnlyChangedRoutes(t *testing.T) {
	h := newHarness(t)
	h.sup.raw[state.AvMatrixRoutingV2] = []byte(`{}`)
	h.sup.hasSnap = true
	h.sup.snapshot.AvMatrixRoutingV2.Routes = map[string]state.Route{
		"Output1": {VideoSource: "Input1", AudioSource: "Input1"},
		"Output2": {VideoSource: "Input2"},
	}
	change := subscription.Change{
		Subsystems: state.NewSubsystemSet(state.AvMatrixRoutingV2),
		Observers:  []string{ObserverID},
	}

	h.sup.change(change)
	h.sup.mu.Lock()
	h.sup.snapshot.AvMatrixRoutingV2.Routes = map[string]state.Route{
		"Output1": {VideoSource: "Input1", AudioSource: "Input1"},
		"Output2": {VideoSource: "Input3"},
	}
	h.sup.mu.Unlock()
	h.sup.change(change)

	h.telemetry.mu.Lock()
	defer h.telemetry.mu.Unlock()
	if len(h.telemetry.routes) != 3 {
		t.Fatalf("route points = %+v, want 3", h.telemetry.routes)
	}
	if last := h.telemetry.routes[2]; last != (routePoint{"Output2", "Input3", ""}) {
		t.Errorf("last route point = %+v", last)
	}
}

func TestStatusChange_RecordsAndPublishes(t *testing.T) {
	h := newHarness(t)
	before := len(h.mqtt.on(mqtt.Topics{}.Health()))

	h.sup.setStatus(supervisor.StatusReport{
		Status: supervisor.StatusBadConfig,
		State:  supervisor.StateBackoff,
		Detail: "Authentication failed: check credentials",
		Kind:   fault.KindAuthentication,
	})

	msgs := h.mqtt.on(mqtt.Topics{}.Health())
	if len(msgs) != before+1 {
		t.Fatalf("health messages = %d, want %d", len(msgs), before+1)
	}
	var health HealthMessage
	if err := json.Unmarshal(msgs[len(msgs)-1].payload, &health); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if health.Status != HealthBadConfig {
		t.Errorf("Status = %q, want bad_config", health.Status)
	}
	if health.Connection == nil || health.Connection.Kind != "authentication" || health.Connection.Host != "nxm.local" {
		t.Errorf("Connection = %+v", health.Connection)
	}

	if len(h.history.statuses) != 1 || h.history.statuses[0].Kind != "authentication" {
		t.Errorf("history statuses = %+v", h.history.statuses)
	}
	if len(h.telemetry.statuses) != 1 || h.telemetry.statuses[0] != "bad_config" {
		t.Errorf("telemetry statuses = %v", h.telemetry.statuses)
	}
}

func TestCommand_Accepted(t *testing.T) {
	h := newHarness(t)

	err := h.mqtt.deliver(t, mqtt.Topics{}.Command("Output1"),
		`{"id":"cmd-1","command":"route_av","parameters":{"source":"Input3"},"source":"api"}`)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}

	acks := h.mqtt.waitFor(t, mqtt.Topics{}.Ack("Output1"), 1)
	var ack AckMessage
	if err := json.Unmarshal(acks[0].payload, &ack); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ack.CommandID != "cmd-1" || ack.Status != AckAccepted || ack.Target != "Output1" {
		t.Errorf("ack = %+v", ack)
	}
	if acks[0].retained {
		t.Error("ack must not be retained")
	}

	sent := h.sup.sent()
	if len(sent) != 1 || sent[0].Kind != supervisor.CommandChannelSend {
		t.Fatalf("sent = %+v", sent)
	}
	if !strings.Contains(string(sent[0].Payload), `"Output1"`) || !strings.Contains(string(sent[0].Payload), `"Input3"`) {
		t.Errorf("payload = %s", sent[0].Payload)
	}
}

func TestCommand_OutputParameterOverridesTopic(t *testing.T) {
	h := newHarness(t)

	_ = h.mqtt.deliver(t, mqtt.Topics{}.Command("matrix"),
		`{"id":"cmd-2","command":"route_audio","parameters":{"output":"Aux1","source":"Input1"}}`)

	h.mqtt.waitFor(t, mqtt.Topics{}.Ack("Aux1"), 1)
}

func TestCommand_GeneratesMissingID(t *testing.T) {
	h := newHarness(t)

	_ = h.mqtt.deliver(t, mqtt.Topics{}.Command("Output1"),
		`{"command":"route_video","parameters":{"source":"Input1"}}`)

	acks := h.mqtt.waitFor(t, mqtt.Topics{}.Ack("Output1"), 1)
	var ack AckMessage
	if err := json.Unmarshal(acks[0].payload, &ack); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ack.CommandID == "" {
		t.Error("CommandID not generated")
	}
}

func TestCommand_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		payload  string
		wantCode string
	}{
		{
			name:     "unknown command",
			target:   "Output1",
			payload:  `{"id":"a","command":"dim","parameters":{"source":"Input1"}}`,
			wantCode: ErrCodeInvalidCommand,
		},
		{
			name:     "missing source",
			target:   "Output1",
			payload:  `{"id":"b","command":"route_video"}`,
			wantCode: ErrCodeInvalidParameters,
		},
		{
			name:     "bad destination",
			target:   "Projector",
			payload:  `{"id":"c","command":"route_video","parameters":{"source":"Input1"}}`,
			wantCode: ErrCodeInvalidParameters,
		},
		{
			name:     "video to aux",
			target:   "Aux2",
			payload:  `{"id":"d","command":"route_video","parameters":{"source":"Input1"}}`,
			wantCode: ErrCodeInvalidParameters,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			_ = h.mqtt.deliver(t, mqtt.Topics{}.Command(tt.target), tt.payload)

			acks := h.mqtt.on(mqtt.Topics{}.Ack(tt.target))
			if len(acks) != 1 {
				t.Fatalf("got %d acks, want 1", len(acks))
			}
			var ack AckMessage
			if err := json.Unmarshal(acks[0].payload, &ack); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if ack.Status != AckFailed || ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("ack = %+v, want failed %s", ack, tt.wantCode)
			}
			if n := len(h.sup.sent()); n != 0 {
				t.Errorf("%d commands reached the supervisor", n)
			}
		})
	}
}

func TestCommand_NotLive(t *testing.T) {
	h := newHarness(t)
	h.sup.result = supervisor.ErrNotLive

	_ = h.mqtt.deliver(t, mqtt.Topics{}.Command("Output1"),
		`{"id":"e","command":"route_video","parameters":{"source":"Input1"}}`)

	acks := h.mqtt.waitFor(t, mqtt.Topics{}.Ack("Output1"), 1)
	var ack AckMessage
	if err := json.Unmarshal(acks[0].payload, &ack); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeDeviceUnreachable {
		t.Errorf("ack = %+v, want DEVICE_UNREACHABLE", ack)
	}
	if got := h.bridge.GetMetrics().CommandsFailed; got != 1 {
		t.Errorf("CommandsFailed = %d, want 1", got)
	}
}

func TestCommand_Timeout(t *testing.T) {
	h := newHarness(t)
	h.bridge.opts.CommandTimeout = 20 * time.Millisecond
	h.sup.block = make(chan struct{})
	defer close(h.sup.block)

	_ = h.mqtt.deliver(t, mqtt.Topics{}.Command("Output1"),
		`{"id":"f","command":"route_video","parameters":{"source":"Input1"}}`)

	acks := h.mqtt.waitFor(t, mqtt.Topics{}.Ack("Output1"), 1)
	var ack AckMessage
	if err := json.Unmarshal(acks[0].payload, &ack); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeTimeout {
		t.Errorf("ack = %+v, want TIMEOUT", ack)
	}
}

func TestHandleMessage_Malformed(t *testing.T) {
	h := newHarness(t)

	if err := h.mqtt.deliver(t, mqtt.Topics{}.Command("Output1"), `{not json`); err == nil {
		t.Error("expected parse error")
	}
	if err := h.bridge.handleMessage("graylogic/command/knx/1", []byte(`{}`)); err == nil {
		t.Error("expected topic error")
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"not live", supervisor.ErrNotLive, ErrCodeDeviceUnreachable},
		{"cancelled", context.Canceled, ErrCodeDeviceUnreachable},
		{"other", errors.New("boom"), ErrCodeProtocolError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorCode(tt.err); got != tt.want {
				t.Errorf("errorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStop_DetachesAndPublishesStopping(t *testing.T) {
	h := newHarness(t)
	h.bridge.Stop()
	h.bridge.Stop()

	for _, sub := range state.Subsystems() {
		if h.sup.subscribed(sub, ObserverID) {
			t.Errorf("still subscribed to %s after Stop", sub)
		}
	}

	msgs := h.mqtt.on(mqtt.Topics{}.Health())
	var last HealthMessage
	if err := json.Unmarshal(msgs[len(msgs)-1].payload, &last); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if last.Status != HealthStopping {
		t.Errorf("last health status = %q, want stopping", last.Status)
	}

	h.sup.raw[state.AvioV2] = []byte(`{}`)
	h.sup.change(subscription.Change{Subsystems: state.NewSubsystemSet(state.AvioV2), Observers: []string{ObserverID}})
	if n := len(h.mqtt.on(mqtt.Topics{}.State("AvioV2"))); n != 0 {
		t.Errorf("published %d states after Stop", n)
	}
}
