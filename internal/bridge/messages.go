package bridge

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/channel"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/dispatch"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/supervisor"
)

// Protocol is the protocol identifier carried in every message.
const Protocol = "nxm"

// Command names accepted on the command topic.
const (
	CommandRouteVideo = "route_video"
	CommandRouteAudio = "route_audio"
	CommandRouteAV    = "route_av"
)

// CommandMessage is sent from Core to the bridge.
// Topic: graylogic/command/nxm/{output}
type CommandMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Command is one of route_video, route_audio or route_av.
	Command string `json:"command"`

	// Parameters carries "source" and optionally "output". When "output" is
	// missing the topic's target is used.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "scene", ...).
	Source string `json:"source"`
	UserID string `json:"user_id,omitempty"`
}

// StringParam returns a string parameter, or "" when absent or not a string.
func (m CommandMessage) StringParam(name string) string {
	v, _ := m.Parameters[name].(string)
	return v
}

// AckStatus is the outcome reported for a command.
type AckStatus string

const (
	// AckAccepted means the appliance received the routing message.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command was rejected or could not be delivered.
	AckFailed AckStatus = "failed"
)

// AckMessage acknowledges one command.
// Topic: graylogic/ack/nxm/{output}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Target    string    `json:"target"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError describes a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
)

// StateMessage carries the full JSON of one subsystem.
// Topic: graylogic/state/nxm/{subsystem}
// QoS: 1, Retained: Yes
type StateMessage struct {
	Subsystem string          `json:"subsystem"`
	Timestamp time.Time       `json:"timestamp"`
	State     json.RawMessage `json:"state"`
	Protocol  string          `json:"protocol"`
}

// HealthStatus is the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthBadConfig HealthStatus = "bad_config"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports bridge health.
// Topic: graylogic/health/nxm
// QoS: 1, Retained: Yes
// Interval: every 30 seconds and on status change
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connection    *ConnectionStatus `json:"connection,omitempty"`
	Dispatcher    *DispatcherStats  `json:"dispatcher,omitempty"`
	Channel       *ChannelStats     `json:"channel,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the appliance connection.
type ConnectionStatus struct {
	Status     string    `json:"status"`
	State      string    `json:"state"`
	Host       string    `json:"host,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Generation uint64    `json:"generation"`
	Since      time.Time `json:"since"`
}

// DispatcherStats mirrors the dispatcher counters.
type DispatcherStats struct {
	Pending   int    `json:"pending"`
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
}

// ChannelStats mirrors the realtime channel counters.
type ChannelStats struct {
	MessagesRx   uint64     `json:"messages_rx"`
	MessagesTx   uint64     `json:"messages_tx"`
	Keepalives   uint64     `json:"keepalives"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// NewAckMessage builds a successful acknowledgement.
func NewAckMessage(cmd CommandMessage, target string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Status:    AckAccepted,
		Protocol:  Protocol,
		Target:    target,
	}
}

// NewAckError builds a failed acknowledgement.
func NewAckError(cmd CommandMessage, target, code, message string) AckMessage {
	ack := NewAckMessage(cmd, target)
	ack.Status = AckFailed
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage wraps one subsystem's JSON.
func NewStateMessage(subsystem string, raw json.RawMessage) StateMessage {
	return StateMessage{
		Subsystem: subsystem,
		Timestamp: time.Now().UTC(),
		State:     raw,
		Protocol:  Protocol,
	}
}

// NewHealthMessage builds a health message from the supervisor's status.
func NewHealthMessage(bridgeID, version string, status HealthStatus, report supervisor.StatusReport, host string, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Connection: &ConnectionStatus{
			Status:     report.Status.String(),
			State:      report.State.String(),
			Host:       host,
			Detail:     report.Detail,
			Generation: report.Generation,
			Since:      report.Since.UTC(),
		},
	}
	if report.Status != supervisor.StatusLive && report.Kind != fault.KindUnknown {
		msg.Connection.Kind = report.Kind.String()
	}
	return msg
}

// NewLWTMessage is the payload the broker publishes if the bridge dies.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

func dispatcherStats(s dispatch.Stats) *DispatcherStats {
	return &DispatcherStats{
		Pending:   s.Pending,
		Enqueued:  s.Enqueued,
		Completed: s.Completed,
		Failed:    s.Failed,
		Cancelled: s.Cancelled,
	}
}

func channelStats(s channel.Stats) *ChannelStats {
	out := &ChannelStats{
		MessagesRx: s.MessagesRx,
		MessagesTx: s.MessagesTx,
		Keepalives: s.Keepalives,
	}
	if !s.LastActivity.IsZero() {
		t := s.LastActivity.UTC()
		out.LastActivity = &t
	}
	return out
}
