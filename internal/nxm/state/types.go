package state

import (
	"encoding/json"
	"sort"
)

// Subsystem names a top-level key under the "Device" root.
type Subsystem string

// Known subsystems.
const (
	AvioV2            Subsystem = "AvioV2"
	AvMatrixRoutingV2 Subsystem = "AvMatrixRoutingV2"
)

// RootKey is the single key wrapping every appliance document.
const RootKey = "Device"

// NoInput is the route source value for a disconnected destination.
const NoInput = "No Input"

// Subsystems lists every subsystem in the declared schema.
func Subsystems() []Subsystem {
	return []Subsystem{AvioV2, AvMatrixRoutingV2}
}

// Known reports whether s is declared in the schema.
func (s Subsystem) Known() bool {
	_, ok := deviceSchema.fields[string(s)]
	return ok
}

// SubsystemSet is a set of subsystems.
type SubsystemSet map[Subsystem]struct{}

// NewSubsystemSet builds a set from its members.
func NewSubsystemSet(members ...Subsystem) SubsystemSet {
	s := make(SubsystemSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// Add inserts every member of other.
func (s SubsystemSet) Add(other SubsystemSet) {
	for m := range other {
		s[m] = struct{}{}
	}
}

// Has reports membership.
func (s SubsystemSet) Has(m Subsystem) bool {
	_, ok := s[m]
	return ok
}

// Sorted returns the members in lexical order.
func (s SubsystemSet) Sorted() []Subsystem {
	out := make([]Subsystem, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Document is the full appliance document.
type Document struct {
	Device Device `json:"Device"`
}

// Device holds both subsystems.
type Device struct {
	AvioV2            AvioV2Info        `json:"AvioV2"`
	AvMatrixRoutingV2 MatrixRoutingInfo `json:"AvMatrixRoutingV2"`
}

// AvioV2Info describes the appliance inventory.
type AvioV2Info struct {
	GlobalConfig GlobalConfig      `json:"GlobalConfig"`
	Inputs       map[string]Input  `json:"Inputs"`
	Outputs      map[string]Output `json:"Outputs"`
	Version      string            `json:"Version"`
}

// GlobalConfig holds appliance-wide EDID settings.
type GlobalConfig struct {
	GlobalEdid     string `json:"GlobalEdid"`
	GlobalEdidType string `json:"GlobalEdidType"`
}

// Capabilities describes which signal types an endpoint can route.
type Capabilities struct {
	IsAudioRoutingSupported  bool `json:"IsAudioRoutingSupported"`
	IsVideoRoutingSupported  bool `json:"IsVideoRoutingSupported"`
	IsUsbRoutingSupported    bool `json:"IsUsbRoutingSupported"`
	IsStreamRoutingSupported bool `json:"IsStreamRoutingSupported"`
}

// Input is one source endpoint.
type Input struct {
	ID                string       `json:"Id,omitempty"`
	UserSpecifiedName string       `json:"UserSpecifiedName"`
	Capabilities      Capabilities `json:"Capabilities"`
	InputInfo         PortInfo     `json:"InputInfo"`
}

// Output is one destination endpoint, either an OutputN or an AuxN.
type Output struct {
	ID                string       `json:"Id,omitempty"`
	UserSpecifiedName string       `json:"UserSpecifiedName"`
	Capabilities      Capabilities `json:"Capabilities"`
	OutputInfo        PortInfo     `json:"OutputInfo"`
}

// PortInfo lists the physical ports behind an endpoint.
type PortInfo struct {
	ID    string          `json:"Id,omitempty"`
	Ports map[string]Port `json:"Ports"`
}

// Port is the live signal status of a physical port.
type Port struct {
	PortType             string          `json:"PortType"`
	IsSyncDetected       *bool           `json:"IsSyncDetected,omitempty"`
	IsSourceDetected     *bool           `json:"IsSourceDetected,omitempty"`
	IsSinkConnected      *bool           `json:"IsSinkConnected,omitempty"`
	HorizontalResolution int             `json:"HorizontalResolution,omitempty"`
	VerticalResolution   int             `json:"VerticalResolution,omitempty"`
	FramesPerSecond      int             `json:"FramesPerSecond,omitempty"`
	CurrentResolution    string          `json:"CurrentResolution,omitempty"`
	Digital              json.RawMessage `json:"Digital,omitempty"`
	Audio                json.RawMessage `json:"Audio,omitempty"`
}

// MatrixRoutingInfo holds the routing table and routing flags.
type MatrixRoutingInfo struct {
	Config                    map[string]RouteConfig `json:"Config"`
	Routes                    map[string]Route       `json:"Routes"`
	IsAutomaticRoutingEnabled bool                   `json:"IsAutomaticRoutingEnabled"`
	IsFollowOutputEnabled     bool                   `json:"IsFollowOutputEnabled"`
	IsPriorityRoutingEnabled  bool                   `json:"IsPriorityRoutingEnabled"`
	Version                   string                 `json:"Version"`
}

// Route is the current source of one destination.
type Route struct {
	AudioSource string `json:"AudioSource,omitempty"`
	VideoSource string `json:"VideoSource,omitempty"`
}

// RouteConfig is the configured default source of one destination.
type RouteConfig struct {
	AudioSourceConfigured string `json:"AudioSourceConfigured,omitempty"`
	VideoSourceConfigured string `json:"VideoSourceConfigured,omitempty"`
}

// Choice is an id/label pair for presenting endpoints.
type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// InputChoices lists every input, ordered by id.
func (d Device) InputChoices() []Choice {
	return inputChoices(d.AvioV2.Inputs, false)
}

// VideoInputChoices lists inputs that support video routing.
func (d Device) VideoInputChoices() []Choice {
	return inputChoices(d.AvioV2.Inputs, true)
}

// OutputChoices lists every output and aux destination, ordered by id.
func (d Device) OutputChoices() []Choice {
	return outputChoices(d.AvioV2.Outputs, false)
}

// VideoOutputChoices lists destinations that support video routing.
func (d Device) VideoOutputChoices() []Choice {
	return outputChoices(d.AvioV2.Outputs, true)
}

// IsAux reports whether dest names an audio-only aux destination.
func IsAux(dest string) bool {
	return auxPattern.MatchString(dest)
}

// IsOutput reports whether dest names an AV output.
func IsOutput(dest string) bool {
	return outputPattern.MatchString(dest)
}

// IsInput reports whether src names an input.
func IsInput(src string) bool {
	return inputPattern.MatchString(src)
}

func inputChoices(inputs map[string]Input, videoOnly bool) []Choice {
	out := make([]Choice, 0, len(inputs))
	for id, in := range inputs {
		if videoOnly && !in.Capabilities.IsVideoRoutingSupported {
			continue
		}
		out = append(out, Choice{ID: id, Label: in.UserSpecifiedName})
	}
	sortChoices(out)
	return out
}

func outputChoices(outputs map[string]Output, videoOnly bool) []Choice {
	out := make([]Choice, 0, len(outputs))
	for id, o := range outputs {
		if videoOnly && !o.Capabilities.IsVideoRoutingSupported {
			continue
		}
		out = append(out, Choice{ID: id, Label: o.UserSpecifiedName})
	}
	sortChoices(out)
	return out
}

// sortChoices orders ids naturally so Input10 sorts after Input9.
func sortChoices(c []Choice) {
	sort.Slice(c, func(i, j int) bool {
		a, b := c[i].ID, c[j].ID
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
}
