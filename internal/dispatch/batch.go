package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
)

// Batch size ceiling; a larger batch is almost certainly a caller bug and
// would starve the per-credential rate budget anyway.
const maxBatchSteps = 25

// partialResult is returned by a handler when the action completed but not
// every part of it succeeded. The envelope is still ok; it travels with
// a 207 status so callers checking only the HTTP code notice.
type partialResult struct {
	result map[string]any
}

func (p *partialResult) Error() string { return "completed with failures" }

func (d *Dispatcher) actionsBatch(ctx context.Context, c *call, args json.RawMessage) (any, error) {
	var a struct {
		Actions         []Request `json:"actions"`
		ContinueOnError bool      `json:"continueOnError"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if len(a.Actions) == 0 {
		return nil, invalidArgs("actions must contain at least one step", "actions")
	}
	if len(a.Actions) > maxBatchSteps {
		return nil, invalidArgs(fmt.Sprintf("actions must contain at most %d steps", maxBatchSteps), "actions")
	}
	for i, step := range a.Actions {
		if step.Action == "actions.batch" {
			return nil, invalidArgs(fmt.Sprintf("step %d: batches cannot nest", i), "actions")
		}
	}

	results := make([]map[string]any, 0, len(a.Actions))
	failed := 0
	for i, step := range a.Actions {
		// Steps inherit derived ids: a replayed batch replays each step
		// instead of re-executing it, and step responses stay traceable
		// to the submitting request.
		if c.idemKey != "" && step.IdempotencyKey == "" {
			step.IdempotencyKey = fmt.Sprintf("%s:%d", c.idemKey, i)
		}
		if c.requestID != "" && step.RequestID == "" {
			step.RequestID = fmt.Sprintf("%s:%d", c.requestID, i)
		}
		resp := d.dispatch(ctx, c.cred, step)

		entry := storedBody(resp.Body)
		entry["index"] = i
		entry["status"] = resp.Status
		if step.RequestID != "" {
			entry["requestId"] = step.RequestID
		}
		if step.IdempotencyKey != "" {
			entry["idempotencyKey"] = step.IdempotencyKey
		}
		results = append(results, entry)

		if ok, _ := resp.Body["ok"].(bool); !ok {
			failed++
			if !a.ContinueOnError {
				break
			}
		}
	}

	result := map[string]any{
		"results":   results,
		"completed": len(results),
		"failed":    failed,
	}
	if failed > 0 {
		return nil, &partialResult{result: result}
	}
	return result, nil
}
