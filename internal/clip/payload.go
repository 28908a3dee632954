// Package clip contains helpers for picking fields out of raw CLIP v2
// resource payloads. The gateway treats payloads as opaque JSON everywhere
// else; only these helpers know the shapes.
package clip

import (
	"encoding/json"
	"math"
)

// Resource types tracked by the gateway.
const (
	TypeDevice       = "device"
	TypeLight        = "light"
	TypeRoom         = "room"
	TypeZone         = "zone"
	TypeGroupedLight = "grouped_light"
	TypeScene        = "scene"
)

// CoreResourceTypes are the types mirrored into the resource cache.
var CoreResourceTypes = []string{TypeDevice, TypeLight, TypeRoom, TypeZone, TypeGroupedLight, TypeScene}

// ExtractName returns the display name of a resource: metadata.name when
// present, a top-level name otherwise, "" when the resource is unnamed.
func ExtractName(payload json.RawMessage) string {
	var probe struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	if probe.Metadata.Name != "" {
		return probe.Metadata.Name
	}
	return probe.Name
}

// serviceRef is one entry of a room/zone services or children list.
type serviceRef struct {
	RID   string `json:"rid"`
	RType string `json:"rtype"`
	// Some bridge firmwares use id/type instead of rid/rtype.
	ID   string `json:"id"`
	Type string `json:"type"`
}

func (r serviceRef) rid() string {
	if r.RID != "" {
		return r.RID
	}
	return r.ID
}

func (r serviceRef) rtype() string {
	if r.RType != "" {
		return r.RType
	}
	return r.Type
}

// GroupedLightRID returns the grouped_light service rid of a room or zone
// payload, or "" when the group has none.
func GroupedLightRID(payload json.RawMessage) string {
	var probe struct {
		Services []serviceRef `json:"services"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	for _, svc := range probe.Services {
		if svc.rtype() == TypeGroupedLight && svc.rid() != "" {
			return svc.rid()
		}
	}
	return ""
}

// ChildRef is a typed child reference of a room or zone.
type ChildRef struct {
	RID   string
	RType string
}

// Children returns the child references of a room or zone payload.
func Children(payload json.RawMessage) []ChildRef {
	var probe struct {
		Children []serviceRef `json:"children"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil
	}
	var out []ChildRef
	for _, c := range probe.Children {
		if c.rid() == "" || c.rtype() == "" {
			continue
		}
		out = append(out, ChildRef{RID: c.rid(), RType: c.rtype()})
	}
	return out
}

// OwnerRID returns the owner device rid of a light payload, or "".
func OwnerRID(payload json.RawMessage) string {
	var probe struct {
		Owner struct {
			RID string `json:"rid"`
		} `json:"owner"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.Owner.RID
}

// XY is a CIE color point.
type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LightState is the normalized subset of light/grouped_light state the
// gateway exposes. Nil fields are absent from the payload.
type LightState struct {
	On         *bool    `json:"on,omitempty"`
	Brightness *float64 `json:"brightness,omitempty"`
	ColorTempK *int     `json:"colorTempK,omitempty"`
	XY         *XY      `json:"xy,omitempty"`
}

// ParseLightState extracts the normalized state from a light or
// grouped_light payload.
func ParseLightState(payload json.RawMessage) LightState {
	var probe struct {
		On *struct {
			On bool `json:"on"`
		} `json:"on"`
		Dimming *struct {
			Brightness float64 `json:"brightness"`
		} `json:"dimming"`
		ColorTemperature *struct {
			Mirek float64 `json:"mirek"`
		} `json:"color_temperature"`
		Color *struct {
			XY *XY `json:"xy"`
		} `json:"color"`
	}

	var state LightState
	if err := json.Unmarshal(payload, &probe); err != nil {
		return state
	}
	if probe.On != nil {
		on := probe.On.On
		state.On = &on
	}
	if probe.Dimming != nil {
		b := probe.Dimming.Brightness
		state.Brightness = &b
	}
	if probe.ColorTemperature != nil && probe.ColorTemperature.Mirek > 0 {
		k := MirekToKelvin(int(probe.ColorTemperature.Mirek))
		state.ColorTempK = &k
	}
	if probe.Color != nil && probe.Color.XY != nil {
		xy := *probe.Color.XY
		state.XY = &xy
	}
	return state
}

// HasColorTemperature reports whether the payload declares the capability.
func HasColorTemperature(payload json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	_, ok := probe["color_temperature"]
	return ok
}

// HasColor reports whether the payload declares the xy color capability.
func HasColor(payload json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	_, ok := probe["color"]
	return ok
}

// MirekValidRange returns the device-declared mirek bounds when present.
func MirekValidRange(payload json.RawMessage) (min, max int, ok bool) {
	var probe struct {
		ColorTemperature *struct {
			MirekValidRange *struct {
				Minimum float64 `json:"minimum"`
				Maximum float64 `json:"maximum"`
			} `json:"mirek_valid_range"`
		} `json:"color_temperature"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return 0, 0, false
	}
	if probe.ColorTemperature == nil || probe.ColorTemperature.MirekValidRange == nil {
		return 0, 0, false
	}
	vr := probe.ColorTemperature.MirekValidRange
	return int(vr.Minimum), int(vr.Maximum), true
}

// KelvinToMirek converts a color temperature to the bridge's mired scale.
func KelvinToMirek(kelvin float64) int {
	return int(math.Round(1_000_000 / kelvin))
}

// MirekToKelvin converts back to Kelvin.
func MirekToKelvin(mirek int) int {
	return int(math.Round(1_000_000 / float64(mirek)))
}
