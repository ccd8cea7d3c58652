package ops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sessionjobs/internal/batch"
	"sessionjobs/internal/job"
)

// Builtins returns the operations every deployment registers.
func Builtins() []Operation {
	return []Operation{
		{Name: "echo", Description: "returns each item unchanged", Worker: echo},
		{Name: "sleep", Description: "waits item.sleep (or args.sleep) then succeeds", Worker: sleep},
		{Name: "fail", Description: "fails every item with item.error", Worker: fail},
	}
}

func echo(_ context.Context, item batch.Item, index int, _ batch.Args) (job.Result, error) {
	return job.Result{"ok": true, "value": index, "item": item}, nil
}

func sleep(ctx context.Context, item batch.Item, index int, args batch.Args) (job.Result, error) {
	d, err := sleepFor(item, args)
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return job.Result{"ok": true, "index": index, "slept": d.String()}, nil
}

func fail(_ context.Context, item batch.Item, _ int, _ batch.Args) (job.Result, error) {
	if m, ok := item.(map[string]any); ok {
		if s, ok := m["error"].(string); ok && s != "" {
			return nil, errors.New(s)
		}
	}
	return nil, errors.New("failed")
}

// sleepFor reads "sleep" from the item first, then from args. Strings are
// Go durations, numbers are seconds.
func sleepFor(item batch.Item, args batch.Args) (time.Duration, error) {
	if m, ok := item.(map[string]any); ok {
		if v, ok := m["sleep"]; ok {
			return parseSleep(v)
		}
	}
	if v, ok := args["sleep"]; ok {
		return parseSleep(v)
	}
	return 0, nil
}

func parseSleep(v any) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("sleep: %w", err)
		}
		return d, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case int:
		return time.Duration(t) * time.Second, nil
	default:
		return 0, fmt.Errorf("sleep: unsupported value %v", v)
	}
}
