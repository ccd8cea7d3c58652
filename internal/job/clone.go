package job

import "time"

func cloneResults(in map[int]Result) map[int]Result {
	out := make(map[int]Result, len(in))
	for k, v := range in {
		out[k] = cloneResult(v)
	}
	return out
}

func cloneResult(r Result) Result {
	if r == nil {
		return nil
	}
	return Result(cloneMap(r))
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the container shapes produced by encoding/json.
// Other values are treated as immutable.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Result:
		return cloneResult(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
