package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kaalabs/hue-gateway/internal/bridge"
	"github.com/kaalabs/hue-gateway/internal/clip"
	"github.com/kaalabs/hue-gateway/internal/resolve"
	"github.com/kaalabs/hue-gateway/internal/store"
)

func (d *Dispatcher) bridgeDiscover(ctx context.Context, _ *call, args json.RawMessage) (any, error) {
	var a struct{}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	bridges, err := bridge.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"bridges": bridges}, nil
}

func (d *Dispatcher) bridgeSetHost(ctx context.Context, _ *call, args json.RawMessage) (any, error) {
	var a struct {
		BridgeHost string `json:"bridgeHost"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	host := strings.TrimSpace(a.BridgeHost)
	if host == "" {
		return nil, invalidArgs("bridgeHost is required", "bridgeHost")
	}
	if strings.Contains(host, "://") || strings.Contains(host, "/") || strings.Contains(host, " ") {
		return nil, invalidArgs("bridgeHost must be a bare hostname or IP", "bridgeHost")
	}

	if err := d.settings.Set(store.SettingBridgeHost, host); err != nil {
		return nil, err
	}
	d.client.Configure(host, d.client.ApplicationKey())
	log.Info().Str("host", host).Msg("Bridge host configured")
	d.syncer.Trigger()

	return map[string]any{"bridgeHost": host}, nil
}

func (d *Dispatcher) bridgePair(ctx context.Context, _ *call, args json.RawMessage) (any, error) {
	var a struct {
		Devicetype string `json:"devicetype"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	key, err := d.client.Pair(ctx, a.Devicetype)
	if err != nil {
		return nil, err
	}
	if err := d.settings.Set(store.SettingApplicationKey, key); err != nil {
		return nil, err
	}
	d.client.Configure(d.client.Host(), key)
	d.syncer.Trigger()

	// The key itself stays server-side; callers only learn that pairing
	// succeeded.
	return map[string]any{"paired": true, "bridgeHost": d.client.Host()}, nil
}

var clipMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPut:     true,
	http.MethodPost:    true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

func (d *Dispatcher) clipRequest(ctx context.Context, _ *call, args json.RawMessage) (any, error) {
	var a struct {
		Method string          `json:"method"`
		Path   string          `json:"path"`
		Body   json.RawMessage `json:"body"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	method := strings.ToUpper(strings.TrimSpace(a.Method))
	if !clipMethods[method] {
		return nil, invalidArgs("method must be one of GET, PUT, POST, DELETE, HEAD, OPTIONS", "method")
	}
	if !strings.HasPrefix(a.Path, "/clip/v2/") {
		return nil, invalidArgs("path must start with /clip/v2/", "path")
	}
	if strings.Contains(a.Path, "..") || strings.Contains(a.Path, "://") || strings.HasPrefix(a.Path, "//") {
		return nil, invalidArgs("path contains forbidden segments", "path")
	}

	var body any
	if len(a.Body) > 0 {
		body = json.RawMessage(a.Body)
	}
	result, err := d.client.Do(ctx, bridge.Request{Method: method, Path: a.Path, Body: body})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": result.StatusCode, "body": result.Body}, nil
}

func (d *Dispatcher) resolveByName(_ context.Context, _ *call, args json.RawMessage) (any, error) {
	var a struct {
		RType string `json:"rtype"`
		Name  string `json:"name"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if !validRType(a.RType) {
		return nil, invalidArgs(fmt.Sprintf("rtype must be one of %s", strings.Join(clip.CoreResourceTypes, ", ")), "rtype")
	}
	if strings.TrimSpace(a.Name) == "" {
		return nil, invalidArgs("name is required", "name")
	}

	rid, name, confidence, err := d.resolveName(a.RType, a.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"rid":        rid,
		"rtype":      a.RType,
		"name":       name,
		"confidence": confidence,
	}, nil
}

func (d *Dispatcher) sceneActivate(ctx context.Context, _ *call, args json.RawMessage) (any, error) {
	var a struct {
		RID  string `json:"rid"`
		Name string `json:"name"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	rid, name, err := d.resolveTarget(clip.TypeScene, a.RID, a.Name)
	if err != nil {
		return nil, err
	}

	body := map[string]any{"recall": map[string]any{"action": "active"}}
	if _, err := d.client.PutResource(ctx, clip.TypeScene, rid, body, true); err != nil {
		return nil, err
	}
	d.syncer.Trigger()

	return map[string]any{"rid": rid, "name": name, "activated": true}, nil
}

func (d *Dispatcher) inventorySnapshot(_ context.Context, _ *call, args json.RawMessage) (any, error) {
	var a struct {
		IfRevision *int64 `json:"ifRevision"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	revision, err := d.settings.GetInt(store.SettingInventoryRevision, 0)
	if err != nil {
		return nil, err
	}
	if a.IfRevision != nil && *a.IfRevision == revision {
		return map[string]any{"revision": revision, "notModified": true}, nil
	}

	resources := make(map[string]any, len(clip.CoreResourceTypes))
	for _, rtype := range clip.CoreResourceTypes {
		items := d.cache.ListByType(rtype)
		list := make([]map[string]any, 0, len(items))
		for _, res := range items {
			entry := map[string]any{"rid": res.RID, "name": res.Name}
			if rtype == clip.TypeLight || rtype == clip.TypeGroupedLight {
				entry["state"] = clip.ParseLightState(res.Payload)
			}
			list = append(list, entry)
		}
		resources[rtype] = list
	}

	return map[string]any{"revision": revision, "notModified": false, "resources": resources}, nil
}

// resolveName maps a display name to a rid or fails with the resolution
// taxonomy (ambiguous_name, not_found).
func (d *Dispatcher) resolveName(rtype, name string) (rid, displayName string, confidence float64, err error) {
	result := d.resolver.Resolve(rtype, name)
	switch result.Decision {
	case resolve.Matched:
		return result.RID, result.Name, result.Confidence, nil
	case resolve.Ambiguous:
		return "", "", 0, newError(409, CodeAmbiguousName,
			fmt.Sprintf("Name %q matches multiple %s resources", name, rtype)).
			withDetails(map[string]any{"candidates": result.Candidates})
	default:
		return "", "", 0, newError(404, CodeNotFound,
			fmt.Sprintf("No %s named %q found", rtype, name))
	}
}

// resolveTarget accepts an explicit rid or a fuzzy name, exactly one of the
// two, and checks the target exists in the cache with the expected type.
func (d *Dispatcher) resolveTarget(rtype, rid, name string) (string, string, error) {
	if (rid == "") == (name == "") {
		return "", "", invalidArgs("Exactly one of rid or name is required", "rid", "name")
	}

	if rid != "" {
		res, ok := d.cache.Get(rid)
		if !ok || res.RType != rtype {
			return "", "", newError(404, CodeNotFound, fmt.Sprintf("No %s with rid %q found", rtype, rid))
		}
		return rid, res.Name, nil
	}

	matched, displayName, _, err := d.resolveName(rtype, name)
	if err != nil {
		return "", "", err
	}
	return matched, displayName, nil
}

func validRType(rtype string) bool {
	for _, t := range clip.CoreResourceTypes {
		if t == rtype {
			return true
		}
	}
	return false
}
