package workflow

import (
	"sync"
)

// Reducer defines how to merge a state update into the current value.
type Reducer[T any] func(current T, update T) T

// LastValueReducer returns the most recent value.
func LastValueReducer[T any]() Reducer[T] {
	return func(_, update T) T {
		return update
	}
}

// MergeMapReducer merges top-level keys; update wins.
func MergeMapReducer[K comparable, V any]() Reducer[map[K]V] {
	return func(current, update map[K]V) map[K]V {
		result := make(map[K]V, len(current)+len(update))
		for k, v := range current {
			result[k] = v
		}
		for k, v := range update {
			result[k] = v
		}
		return result
	}
}

// DeepMergeReducer merges nested maps recursively. Deeper keys override,
// non-map values are replaced by the update.
func DeepMergeReducer() Reducer[map[string]any] {
	return func(current, update map[string]any) map[string]any {
		return deepMerge(current, update)
	}
}

func deepMerge(dst, src map[string]any) map[string]any {
	out := copyState(dst)
	if out == nil {
		out = make(map[string]any, len(src))
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := out[k].(map[string]any)
		if srcIsMap && dstIsMap {
			out[k] = deepMerge(dstMap, srcMap)
			continue
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

// copyState returns a deep copy of a state map.
func copyState(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyState(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// =============================================================================
// Session state
// =============================================================================

// sessionState 是一个会话的状态。执行器只拿到快照，
// 通过返回增量来修改状态，增量按步骤声明顺序依次交给 reducer 合并。
type sessionState struct {
	mu      sync.RWMutex
	value   map[string]any
	reducer Reducer[map[string]any]
}

// newSessionState copies initial. A nil reducer means DeepMergeReducer.
func newSessionState(initial map[string]any, reducer Reducer[map[string]any]) *sessionState {
	v := copyState(initial)
	if v == nil {
		v = make(map[string]any)
	}
	if reducer == nil {
		reducer = DeepMergeReducer()
	}
	return &sessionState{value: v, reducer: reducer}
}

// Snapshot returns a deep copy of the current state.
func (s *sessionState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyState(s.value)
}

// Apply merges deltas in order. Nil deltas are ignored.
func (s *sessionState) Apply(deltas ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deltas {
		if len(d) == 0 {
			continue
		}
		s.value = s.reducer(s.value, copyState(d))
		if s.value == nil {
			s.value = make(map[string]any)
		}
	}
}

// Set replaces a single top-level key.
func (s *sessionState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value[key] = deepCopyValue(value)
}

// Replace swaps the whole state, e.g. after loading a session.
func (s *sessionState) Replace(value map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = copyState(value)
	if s.value == nil {
		s.value = make(map[string]any)
	}
}

// resultDeltas collects state deltas of a step result in declaration order.
// Parallel outputs carry their children's deltas already merged.
func resultDeltas(res StepResult) []map[string]any {
	var deltas []map[string]any
	for _, out := range res.Outputs {
		if out != nil && len(out.StateDelta) > 0 {
			deltas = append(deltas, out.StateDelta)
		}
	}
	return deltas
}
