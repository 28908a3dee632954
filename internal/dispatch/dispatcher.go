// Package dispatch validates, deduplicates, and executes gateway actions.
// Every caller-visible operation funnels through Dispatcher.Dispatch, which
// applies admission control, argument validation, and idempotency before an
// action handler runs.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/kaalabs/hue-gateway/internal/bridge"
	"github.com/kaalabs/hue-gateway/internal/cache"
	"github.com/kaalabs/hue-gateway/internal/limit"
	"github.com/kaalabs/hue-gateway/internal/resolve"
	"github.com/kaalabs/hue-gateway/internal/store"
)

// Resyncer schedules a cache resync after actions that change what the
// bridge will report (pairing, host changes, state writes).
type Resyncer interface {
	Trigger()
}

// call is the per-invocation context handed to action handlers.
type call struct {
	cred      Credential
	requestID string
	idemKey   string
}

type actionFunc func(ctx context.Context, c *call, args json.RawMessage) (any, error)

// Dispatcher executes gateway actions against the shared services.
type Dispatcher struct {
	client   *bridge.Client
	cache    *cache.Cache
	resolver *resolve.Resolver
	limiter  *limit.Limiter
	settings *store.Settings
	idem     *store.IdempotencyStore
	syncer   Resyncer

	actions map[string]actionFunc
}

// New creates a dispatcher with all built-in actions registered.
func New(
	client *bridge.Client,
	c *cache.Cache,
	resolver *resolve.Resolver,
	limiter *limit.Limiter,
	settings *store.Settings,
	idem *store.IdempotencyStore,
	syncer Resyncer,
) *Dispatcher {
	d := &Dispatcher{
		client:   client,
		cache:    c,
		resolver: resolver,
		limiter:  limiter,
		settings: settings,
		idem:     idem,
		syncer:   syncer,
		actions:  make(map[string]actionFunc),
	}
	d.register("bridge.discover", d.bridgeDiscover)
	d.register("bridge.set_host", d.bridgeSetHost)
	d.register("bridge.pair", d.bridgePair)
	d.register("clipv2.request", d.clipRequest)
	d.register("resolve.by_name", d.resolveByName)
	d.register("light.set", d.lightSet)
	d.register("grouped_light.set", d.groupedLightSet)
	d.register("room.set", d.roomSet)
	d.register("zone.set", d.zoneSet)
	d.register("scene.activate", d.sceneActivate)
	d.register("inventory.snapshot", d.inventorySnapshot)
	d.register("actions.batch", d.actionsBatch)
	return d
}

func (d *Dispatcher) register(name string, fn actionFunc) {
	d.actions[name] = fn
}

// Dispatch runs one action end to end and always returns a response
// envelope. Admission control runs first so a flooding caller cannot reach
// validation or the bridge; idempotency wraps execution when a key is given.
func (d *Dispatcher) Dispatch(ctx context.Context, cred Credential, req Request) *Response {
	if req.Action == "" {
		return errResponse(req.RequestID, "", invalidArgs("Missing action", "action"))
	}

	if !d.limiter.Admit(cred.Fingerprint()) {
		log.Debug().Str("action", req.Action).Msg("Request rejected by rate limiter")
		return errResponse(req.RequestID, req.Action,
			newError(429, CodeRateLimited, "Too many requests for this credential"))
	}

	return d.dispatch(ctx, cred, req)
}

// dispatch runs an already-admitted request. Batch steps enter here
// directly, so a batch is charged one admission token rather than one per
// step.
func (d *Dispatcher) dispatch(ctx context.Context, cred Credential, req Request) *Response {
	fn, ok := d.actions[req.Action]
	if !ok {
		return errResponse(req.RequestID, req.Action,
			newError(400, CodeUnknownAction, "Unknown action: "+req.Action))
	}

	if req.IdempotencyKey == "" {
		return d.execute(ctx, cred, req, fn)
	}
	return d.executeKeyed(ctx, cred, req, fn)
}

func (d *Dispatcher) execute(ctx context.Context, cred Credential, req Request, fn actionFunc) *Response {
	c := &call{cred: cred, requestID: req.RequestID, idemKey: req.IdempotencyKey}
	result, err := fn(ctx, c, req.Args)
	if err != nil {
		var partial *partialResult
		if errors.As(err, &partial) {
			resp := okResponse(req.RequestID, req.Action, partial.result)
			resp.Status = 207
			return resp
		}
		actionErr := asActionError(err)
		if actionErr.Code == CodeInternal {
			log.Error().Err(err).Str("action", req.Action).Msg("Action failed")
		}
		return errResponse(req.RequestID, req.Action, actionErr)
	}
	return okResponse(req.RequestID, req.Action, result)
}

// executeKeyed wraps execution in the idempotency protocol: exactly one
// invocation per (credential, key) runs; duplicates replay the stored
// outcome or conflict.
func (d *Dispatcher) executeKeyed(ctx context.Context, cred Credential, req Request, fn actionFunc) *Response {
	fingerprint := cred.Fingerprint()
	hash := requestHash(req.Action, req.Args)

	rec, inserted, err := d.idem.Claim(fingerprint, req.IdempotencyKey, req.Action, hash)
	if err != nil {
		log.Error().Err(err).Msg("Idempotency claim failed")
		return errResponse(req.RequestID, req.Action, newError(500, CodeInternal, "Internal error"))
	}

	if !inserted {
		if rec.Action != req.Action || rec.RequestHash != hash {
			return errResponse(req.RequestID, req.Action,
				newError(409, CodeIdemReuseMismatch,
					"Idempotency key was already used for a different request").
					withDetails(map[string]any{"idempotencyKey": req.IdempotencyKey}))
		}
		if rec.Status == store.IdemInProgress {
			return errResponse(req.RequestID, req.Action,
				newError(409, CodeIdemInProgress,
					"A request with this idempotency key is still in progress").
					withDetails(map[string]any{
						"idempotencyKey": req.IdempotencyKey,
						"retryAfterMs":   1000,
					}))
		}
		return d.replay(req, rec)
	}

	resp := d.execute(ctx, cred, req, fn)

	stored, err := json.Marshal(storedBody(resp.Body))
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode idempotent response")
		stored = []byte(`{}`)
	}
	if err := d.idem.Complete(fingerprint, req.IdempotencyKey, req.Action, hash, resp.Status, string(stored)); err != nil {
		log.Error().Err(err).Msg("Failed to complete idempotency record")
	}
	return resp
}

// replay reconstructs a stored response for a duplicate submission. The
// caller's own requestId is substituted into the stored envelope.
func (d *Dispatcher) replay(req Request, rec *store.IdemRecord) *Response {
	body := make(map[string]any)
	if err := json.Unmarshal([]byte(rec.ResponseJSON), &body); err != nil {
		log.Error().Err(err).Msg("Failed to decode stored idempotent response")
		return errResponse(req.RequestID, req.Action, newError(500, CodeInternal, "Internal error"))
	}
	if req.RequestID != "" {
		body["requestId"] = req.RequestID
	}
	return &Response{Status: rec.ResponseStatusCode, Body: body}
}

// storedBody strips the submitter's requestId so replays can substitute
// their own.
func storedBody(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if k == "requestId" {
			continue
		}
		out[k] = v
	}
	return out
}
