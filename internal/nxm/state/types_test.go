package state

import (
	"errors"
	"strings"
	"testing"
)

func TestDevice_Choices(t *testing.T) {
	dev := newTestStore(t).Snapshot()

	inputs := dev.InputChoices()
	if len(inputs) != 2 || inputs[0].ID != "Input1" || inputs[0].Label != "Lectern PC" {
		t.Errorf("InputChoices() = %+v", inputs)
	}

	video := dev.VideoInputChoices()
	if len(video) != 1 || video[0].ID != "Input1" {
		t.Errorf("VideoInputChoices() = %+v, want only Input1", video)
	}

	outputs := dev.OutputChoices()
	if len(outputs) != 2 {
		t.Errorf("OutputChoices() = %+v, want 2 entries", outputs)
	}

	videoOut := dev.VideoOutputChoices()
	if len(videoOut) != 1 || videoOut[0].ID != "Output1" {
		t.Errorf("VideoOutputChoices() = %+v, want only Output1", videoOut)
	}
}

func TestSortChoices_Natural(t *testing.T) {
	c := []Choice{{ID: "Input10"}, {ID: "Input2"}, {ID: "Input1"}}
	sortChoices(c)
	if c[0].ID != "Input1" || c[1].ID != "Input2" || c[2].ID != "Input10" {
		t.Errorf("sortChoices() = %+v", c)
	}
}

func TestSubsystemSet(t *testing.T) {
	s := NewSubsystemSet(AvMatrixRoutingV2)
	s.Add(NewSubsystemSet(AvioV2))

	got := s.Sorted()
	if len(got) != 2 || got[0] != AvMatrixRoutingV2 || got[1] != AvioV2 {
		t.Errorf("Sorted() = %v", got)
	}
	if !AvioV2.Known() || Subsystem("DeviceInfo").Known() {
		t.Error("Known() mismatch")
	}
}

func TestRoutePartial(t *testing.T) {
	tests := []struct {
		name    string
		dest    string
		source  string
		sig     Signal
		want    string
		wantErr bool
	}{
		{"video", "Output1", "Input2", SignalVideo, `{"Device":{"AvMatrixRoutingV2":{"Routes":{"Output1":{"VideoSource":"Input2"}}}}}`, false},
		{"audio", "Output1", "Input2", SignalAudio, `{"Device":{"AvMatrixRoutingV2":{"Routes":{"Output1":{"AudioSource":"Input2"}}}}}`, false},
		{"av", "Output3", "No Input", SignalAudioVideo, `{"Device":{"AvMatrixRoutingV2":{"Routes":{"Output3":{"AudioSource":"No Input","VideoSource":"No Input"}}}}}`, false},
		{"aux audio", "Aux1", "Input1", SignalAudio, `{"Device":{"AvMatrixRoutingV2":{"Routes":{"Aux1":{"AudioSource":"Input1"}}}}}`, false},
		{"aux video rejected", "Aux1", "Input1", SignalVideo, "", true},
		{"bad destination", "Input1", "Input1", SignalVideo, "", true},
		{"bad source", "Output1", "HDMI 1", SignalVideo, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := RoutePartial(tt.dest, tt.source, tt.sig)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRoute) {
					t.Errorf("error = %v, want ErrInvalidRoute", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("RoutePartial() error = %v", err)
			}
			raw, err := p.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON() error = %v", err)
			}
			if string(raw) != tt.want {
				t.Errorf("payload = %s, want %s", raw, tt.want)
			}

			// The payload must pass our own partial schema.
			if _, err := ParsePartial(raw); err != nil {
				t.Errorf("payload rejected by ParsePartial: %v", err)
			}
		})
	}
}

func TestParseSignal(t *testing.T) {
	for in, want := range map[string]Signal{"video": SignalVideo, "audio": SignalAudio, "av": SignalAudioVideo} {
		got, err := ParseSignal(in)
		if err != nil || got != want {
			t.Errorf("ParseSignal(%q) = %v, %v", in, got, err)
		}
		if !strings.EqualFold(got.String(), in) {
			t.Errorf("String() = %q, want %q", got.String(), in)
		}
	}
	if _, err := ParseSignal("usb"); err == nil {
		t.Error("ParseSignal(usb) should fail")
	}
}
