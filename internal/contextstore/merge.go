// Package contextstore merges the JSON context payloads produced by
// predecessor tasks into a single input context for a successor task.
package contextstore

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Empty is the canonical empty JSON context.
var Empty = []byte(`{}`)

// Merge combines contexts in the given order, top-level key by top-level
// key. A later context's value for a given key overwrites an earlier one's
// ("later predecessor wins"); the merge is therefore associative and
// order-stable for a fixed input order, as required by the scheduler's
// fixed topological-order-of-predecessors merge rule.
func Merge(contexts ...[]byte) ([]byte, error) {
	acc := append([]byte(nil), Empty...)
	for _, c := range contexts {
		if len(c) == 0 {
			continue
		}
		var setErr error
		gjson.ParseBytes(c).ForEach(func(key, value gjson.Result) bool {
			acc, setErr = sjson.SetRawBytes(acc, key.String(), []byte(value.Raw))
			return setErr == nil
		})
		if setErr != nil {
			return nil, setErr
		}
	}
	return acc, nil
}

// Get extracts a single key from a context payload using gjson path syntax.
// It returns (result, false) when the key is absent, never an error: trigger
// rule evaluation over context is total.
func Get(context []byte, key string) (gjson.Result, bool) {
	r := gjson.GetBytes(context, key)
	return r, r.Exists()
}

// Encode serializes a plain map into the JSON representation every context
// payload in the store uses. Unlike Merge/Get, which operate on raw JSON to
// stay allocation-light on the hot scheduler path, boundary conversion from
// an embedder's map[string]any has no raw payload to preserve.
func Encode(input map[string]any) ([]byte, error) {
	if input == nil {
		return append([]byte(nil), Empty...), nil
	}
	b, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("contextstore: encode: %w", err)
	}
	return b, nil
}

// Decode is the inverse of Encode, used when handing a context payload back
// to an embedder at the public boundary.
func Decode(payload []byte) (map[string]any, error) {
	out := make(map[string]any)
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("contextstore: decode: %w", err)
	}
	return out, nil
}
