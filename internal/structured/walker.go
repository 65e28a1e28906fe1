// Package structured applies text redaction to every string leaf of a
// decoded JSON value, reconstructing an equivalent structure. The value
// model is closed: strings, numbers, bools, nil, []any sequences and
// string-keyed maps. Anything else passes through unchanged.
package structured

import (
	"fmt"
	"strconv"

	"github.com/inkdust2021/redactpii/internal/redact"
)

// DefaultMaxDepth bounds recursion when the caller does not configure one.
const DefaultMaxDepth = 64

// MaxDepthExceededError reports a value nested deeper than the configured
// maximum, identifying the offending path. The input is never partially
// rewritten: the whole call fails.
type MaxDepthExceededError struct {
	Path  string
	Depth int
}

func (e *MaxDepthExceededError) Error() string {
	return fmt.Sprintf("max nesting depth %d exceeded at %s", e.Depth, e.Path)
}

// Redact walks v, redacting every string leaf through eng and returning a
// rebuilt copy. Events from all leaves are aggregated into a single batch
// so the caller dispatches once per top-level value, not once per leaf.
func Redact(eng *redact.Engine, v any, maxDepth int) (any, []redact.Event, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	w := &walker{eng: eng, maxDepth: maxDepth}
	out, err := w.walk(v, "$", 0)
	if err != nil {
		return nil, nil, err
	}
	return out, w.events, nil
}

type walker struct {
	eng      *redact.Engine
	maxDepth int
	events   []redact.Event
}

func (w *walker) walk(v any, path string, depth int) (any, error) {
	if depth > w.maxDepth {
		return nil, &MaxDepthExceededError{Path: path, Depth: w.maxDepth}
	}

	switch vv := v.(type) {
	case string:
		out, events := w.eng.Redact(vv)
		w.events = append(w.events, events...)
		return out, nil

	case []any:
		// 逐元素重建，长度与顺序保持不变。
		out := make([]any, len(vv))
		for i := range vv {
			nv, err := w.walk(vv[i], path+"["+strconv.Itoa(i)+"]", depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil

	case map[string]any:
		// 只脱敏值，键永远不动。
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			nv, err := w.walk(val, path+"."+k, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil

	default:
		// numbers (json.Number / float64), bools, nil: unchanged
		return v, nil
	}
}
