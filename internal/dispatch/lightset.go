package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/kaalabs/hue-gateway/internal/clip"
)

// stateArgs is the caller-facing light state. All fields optional, at least
// one required.
type stateArgs struct {
	On         *bool    `json:"on"`
	Brightness *float64 `json:"brightness"`
	ColorTempK *int     `json:"colorTempK"`
	XY         *clip.XY `json:"xy"`
}

func (s stateArgs) empty() bool {
	return s.On == nil && s.Brightness == nil && s.ColorTempK == nil && s.XY == nil
}

// verifyArgs enables read-back verification after a state write.
type verifyArgs struct {
	TimeoutMs      int `json:"timeoutMs"`
	PollIntervalMs int `json:"pollIntervalMs"`
}

func (v verifyArgs) timeout() time.Duration {
	if v.TimeoutMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(v.TimeoutMs) * time.Millisecond
}

func (v verifyArgs) pollInterval() time.Duration {
	if v.PollIntervalMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(v.PollIntervalMs) * time.Millisecond
}

func validateState(state stateArgs) *Error {
	if state.empty() {
		return invalidArgs("state must set at least one of on, brightness, colorTempK, xy", "state")
	}
	if state.Brightness != nil && (*state.Brightness < 0 || *state.Brightness > 100) {
		return invalidArgs("brightness must be in [0, 100]", "state.brightness")
	}
	if state.ColorTempK != nil && (*state.ColorTempK < 1000 || *state.ColorTempK > 20000) {
		return invalidArgs("colorTempK must be in [1000, 20000]", "state.colorTempK")
	}
	if state.XY != nil {
		if state.XY.X < 0 || state.XY.X > 1 || state.XY.Y < 0 || state.XY.Y > 1 {
			return invalidArgs("xy coordinates must be in [0, 1]", "state.xy")
		}
	}
	return nil
}

// buildUpdateBody converts the normalized state into a CLIP v2 update for
// the given target payload, clamping values to what the device supports.
// Fields the target cannot represent are dropped with a warning rather than
// rejected, so a mixed group still applies what it can.
func buildUpdateBody(state stateArgs, targetPayload json.RawMessage) (map[string]any, []string) {
	body := make(map[string]any)
	var warnings []string

	if state.On != nil {
		body["on"] = map[string]any{"on": *state.On}
	}

	if state.Brightness != nil {
		b := *state.Brightness
		// The bridge rejects 0; the darkest representable level is used
		// instead and on:false is what actually turns a light off.
		if b == 0 {
			b = 0.1
			warnings = append(warnings, "brightness 0 clamped to 0.1, use on:false to turn off")
		}
		body["dimming"] = map[string]any{"brightness": b}
	}

	if state.ColorTempK != nil {
		if targetPayload != nil && !clip.HasColorTemperature(targetPayload) {
			warnings = append(warnings, "colorTempK dropped: target does not support color temperature")
		} else {
			mirek := clip.KelvinToMirek(float64(*state.ColorTempK))
			if min, max, ok := clip.MirekValidRange(targetPayload); ok {
				if mirek < min {
					warnings = append(warnings, fmt.Sprintf("colorTempK clamped to device limit %dK", clip.MirekToKelvin(min)))
					mirek = min
				} else if mirek > max {
					warnings = append(warnings, fmt.Sprintf("colorTempK clamped to device limit %dK", clip.MirekToKelvin(max)))
					mirek = max
				}
			}
			body["color_temperature"] = map[string]any{"mirek": mirek}
		}
	}

	if state.XY != nil {
		if targetPayload != nil && !clip.HasColor(targetPayload) {
			warnings = append(warnings, "xy dropped: target does not support color")
		} else {
			body["color"] = map[string]any{"xy": map[string]any{"x": state.XY.X, "y": state.XY.Y}}
		}
	}

	return body, warnings
}

func (d *Dispatcher) lightSet(ctx context.Context, _ *call, args json.RawMessage) (any, error) {
	var a struct {
		RID    string      `json:"rid"`
		Name   string      `json:"name"`
		State  stateArgs   `json:"state"`
		Verify *verifyArgs `json:"verify"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return d.setLightLike(ctx, clip.TypeLight, a.RID, a.Name, a.State, a.Verify)
}

func (d *Dispatcher) groupedLightSet(ctx context.Context, _ *call, args json.RawMessage) (any, error) {
	var a struct {
		RID    string      `json:"rid"`
		Name   string      `json:"name"`
		State  stateArgs   `json:"state"`
		Verify *verifyArgs `json:"verify"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return d.setLightLike(ctx, clip.TypeGroupedLight, a.RID, a.Name, a.State, a.Verify)
}

// setLightLike is the shared write path for light and grouped_light targets.
func (d *Dispatcher) setLightLike(ctx context.Context, rtype, rid, name string, state stateArgs, verify *verifyArgs) (any, error) {
	if err := validateState(state); err != nil {
		return nil, err
	}

	rid, displayName, err := d.resolveTarget(rtype, rid, name)
	if err != nil {
		return nil, err
	}
	res, _ := d.cache.Get(rid)

	body, warnings := buildUpdateBody(state, res.Payload)
	result := map[string]any{
		"rid":      rid,
		"rtype":    rtype,
		"name":     displayName,
		"applied":  body,
		"warnings": warnings,
	}
	if len(body) == 0 {
		// Every field was dropped as unsupported; nothing to send.
		return result, nil
	}

	if _, err := d.client.PutResource(ctx, rtype, rid, body, true); err != nil {
		return nil, err
	}

	if verify != nil {
		verified, err := d.verifyState(ctx, rtype, rid, state, *verify)
		if err != nil {
			return nil, err
		}
		result["verified"] = verified
	}
	return result, nil
}

func (d *Dispatcher) roomSet(ctx context.Context, _ *call, args json.RawMessage) (any, error) {
	var a struct {
		RoomRID  string      `json:"roomRid"`
		RoomName string      `json:"roomName"`
		State    stateArgs   `json:"state"`
		Verify   *verifyArgs `json:"verify"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return d.setGroup(ctx, clip.TypeRoom, a.RoomRID, a.RoomName, a.State, a.Verify, false)
}

func (d *Dispatcher) zoneSet(ctx context.Context, _ *call, args json.RawMessage) (any, error) {
	var a struct {
		ZoneRID  string      `json:"zoneRid"`
		ZoneName string      `json:"zoneName"`
		State    stateArgs   `json:"state"`
		Verify   *verifyArgs `json:"verify"`
		DryRun   bool        `json:"dryRun"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return d.setGroup(ctx, clip.TypeZone, a.ZoneRID, a.ZoneName, a.State, a.Verify, a.DryRun)
}

// setGroup resolves a room or zone to its grouped_light service and writes
// state there. With dryRun the write is skipped and only the computed impact
// is reported.
func (d *Dispatcher) setGroup(ctx context.Context, groupType, rid, name string, state stateArgs, verify *verifyArgs, dryRun bool) (any, error) {
	if err := validateState(state); err != nil {
		return nil, err
	}

	groupRID, displayName, err := d.resolveTarget(groupType, rid, name)
	if err != nil {
		return nil, err
	}
	group, _ := d.cache.Get(groupRID)

	serviceRID := clip.GroupedLightRID(group.Payload)
	if serviceRID == "" {
		return nil, newError(404, CodeNotFound,
			fmt.Sprintf("%s %q has no grouped_light service", groupType, displayName))
	}

	var servicePayload json.RawMessage
	if svc, ok := d.cache.Get(serviceRID); ok {
		servicePayload = svc.Payload
	}
	body, warnings := buildUpdateBody(state, servicePayload)

	memberLights := 0
	for _, child := range clip.Children(group.Payload) {
		if child.RType == clip.TypeLight || child.RType == clip.TypeDevice {
			memberLights++
		}
	}

	result := map[string]any{
		"rid":             groupRID,
		"rtype":           groupType,
		"name":            displayName,
		"groupedLightRid": serviceRID,
		"applied":         body,
		"warnings":        warnings,
		"impact":          map[string]any{"members": memberLights},
	}

	if dryRun {
		result["dryRun"] = true
		return result, nil
	}
	if len(body) == 0 {
		return result, nil
	}

	if _, err := d.client.PutResource(ctx, clip.TypeGroupedLight, serviceRID, body, true); err != nil {
		return nil, err
	}

	if verify != nil {
		verified, err := d.verifyState(ctx, clip.TypeGroupedLight, serviceRID, state, *verify)
		if err != nil {
			return nil, err
		}
		result["verified"] = verified
	}
	return result, nil
}

// verifyState polls the target until its reported state matches the request
// or the timeout elapses. Only a transport failure is an error; a state that
// never converged is reported as verified=false.
func (d *Dispatcher) verifyState(ctx context.Context, rtype, rid string, want stateArgs, verify verifyArgs) (bool, error) {
	deadline := time.Now().Add(verify.timeout())
	for {
		payload, err := d.client.GetResource(ctx, rtype, rid)
		if err != nil {
			return false, err
		}
		if stateMatches(want, clip.ParseLightState(payload)) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(verify.pollInterval()):
		}
	}
}

// stateMatches compares the requested fields against a reported state with
// tolerances for the bridge's rounding.
func stateMatches(want stateArgs, got clip.LightState) bool {
	if want.On != nil && (got.On == nil || *got.On != *want.On) {
		return false
	}
	if want.Brightness != nil {
		wantB := *want.Brightness
		if wantB == 0 {
			wantB = 0.1
		}
		if got.Brightness == nil || math.Abs(*got.Brightness-wantB) > 1.0 {
			return false
		}
	}
	if want.ColorTempK != nil {
		if got.ColorTempK == nil {
			return false
		}
		// Compare in mirek space where the bridge is exact.
		if clip.KelvinToMirek(float64(*want.ColorTempK)) != clip.KelvinToMirek(float64(*got.ColorTempK)) {
			return false
		}
	}
	if want.XY != nil {
		if got.XY == nil {
			return false
		}
		if math.Abs(got.XY.X-want.XY.X) > 0.01 || math.Abs(got.XY.Y-want.XY.Y) > 0.01 {
			return false
		}
	}
	return true
}
