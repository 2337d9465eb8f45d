package supervisor

import (
	"errors"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/state"
)

// Default supervisor settings.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	logoutTimeout         = 3 * time.Second
)

var (
	// ErrNotLive is returned by commands that run while the connection is
	// not Live.
	ErrNotLive = errors.New("supervisor: connection not live")

	// ErrUnknownCommand is returned for a Command with an unknown kind.
	ErrUnknownCommand = errors.New("supervisor: unknown command kind")
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// ApplianceConfig identifies the appliance and how to log in to it.
type ApplianceConfig struct {
	Host     string
	Username string
	Password string

	// InsecureSkipVerify disables TLS verification. Appliances ship with
	// self-signed certificates.
	InsecureSkipVerify bool

	// RequestTimeout bounds each HTTP request. Default: 10 seconds.
	RequestTimeout time.Duration
}

// Options configures a Supervisor.
type Options struct {
	Appliance ApplianceConfig

	// ReconnectDelay is the trailing-edge reconnect throttle. Default: 5s.
	ReconnectDelay time.Duration

	// KeepaliveInterval is passed to the realtime channel. Default: 30s.
	KeepaliveInterval time.Duration

	// NotifyWindow batches change notifications. Default: 50ms.
	NotifyWindow time.Duration

	// RedefineWindow batches redefinition callbacks. Default: 5s.
	RedefineWindow time.Duration

	// JobSpacing is the minimum time between dispatcher jobs. Zero means the
	// dispatcher default; negative disables spacing.
	JobSpacing time.Duration

	// Parse validates inbound channel messages. Default: state.ParsePartial.
	Parse state.ParseFunc

	// Equal compares leaves during merge. Default: state.JSONEqual.
	Equal state.EqualFunc

	// Logger receives diagnostics. Optional.
	Logger Logger
}

// CommandKind selects how a Command reaches the appliance.
type CommandKind int

// Command kinds.
const (
	CommandGet CommandKind = iota
	CommandPost
	CommandChannelSend
)

// String returns the kind name.
func (k CommandKind) String() string {
	switch k {
	case CommandGet:
		return "get"
	case CommandPost:
		return "post"
	case CommandChannelSend:
		return "channel_send"
	default:
		return "unknown"
	}
}

// Command is one request for the appliance.
type Command struct {
	Kind CommandKind

	// Path is the HTTP path for Get and Post.
	Path string

	// Payload is the Post body or the channel message.
	Payload []byte
}

// RouteCommand builds a channel command that routes source to dest.
func RouteCommand(dest, source string, sig state.Signal) (Command, error) {
	p, err := state.RoutePartial(dest, source, sig)
	if err != nil {
		return Command{}, err
	}
	payload, err := p.MarshalJSON()
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: CommandChannelSend, Payload: payload}, nil
}
