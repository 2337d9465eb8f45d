package state

import (
	"errors"
	"fmt"
)

// ErrInvalidRoute is returned when a route request names an unknown
// destination or source shape.
var ErrInvalidRoute = errors.New("state: invalid route")

// Signal selects which signal a route command changes.
type Signal int

// Route signals.
const (
	SignalVideo Signal = iota
	SignalAudio
	SignalAudioVideo
)

// String returns the lower-case signal name.
func (s Signal) String() string {
	switch s {
	case SignalVideo:
		return "video"
	case SignalAudio:
		return "audio"
	case SignalAudioVideo:
		return "av"
	default:
		return "unknown"
	}
}

// ParseSignal maps "video", "audio" or "av" to a Signal.
func ParseSignal(s string) (Signal, error) {
	switch s {
	case "video":
		return SignalVideo, nil
	case "audio":
		return SignalAudio, nil
	case "av", "audio_video":
		return SignalAudioVideo, nil
	default:
		return 0, fmt.Errorf("%w: unknown signal %q", ErrInvalidRoute, s)
	}
}

// RoutePartial builds the partial document that routes source to dest.
// Aux destinations only carry audio. The route sits under the
// AvMatrixRoutingV2 key, the same key as /Device/AvMatrixRoutingV2 and the
// updates the appliance echoes back, not the older AvMatrixRouting name.
func RoutePartial(dest, source string, sig Signal) (Partial, error) {
	if !destPattern.MatchString(dest) {
		return Partial{}, fmt.Errorf("%w: destination %q must be Output<number> or Aux<number>", ErrInvalidRoute, dest)
	}
	if !sourcePattern.MatchString(source) {
		return Partial{}, fmt.Errorf("%w: source %q must be Input<number> or %q", ErrInvalidRoute, source, NoInput)
	}
	if IsAux(dest) && sig != SignalAudio {
		return Partial{}, fmt.Errorf("%w: %s is audio only", ErrInvalidRoute, dest)
	}

	route := map[string]any{}
	if sig == SignalVideo || sig == SignalAudioVideo {
		route["VideoSource"] = source
	}
	if sig == SignalAudio || sig == SignalAudioVideo {
		route["AudioSource"] = source
	}

	return Partial{tree: map[string]any{
		string(AvMatrixRoutingV2): map[string]any{
			"Routes": map[string]any{dest: route},
		},
	}}, nil
}
