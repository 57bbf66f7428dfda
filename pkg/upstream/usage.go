package upstream

import (
	"encoding/json"
	"math"
	"reflect"
)

// Usage is the normalized token accounting of one turn.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// NormalizeUsage converts the usage shapes adapters receive into a *Usage.
// It accepts Usage values, mappings keyed by input_tokens/output_tokens
// (missing keys count as zero), raw JSON objects, and structs exposing
// InputTokens/OutputTokens integer fields. It returns nil when raw carries no
// usage.
func NormalizeUsage(raw any) *Usage {
	switch v := raw.(type) {
	case nil:
		return nil
	case *Usage:
		if v == nil {
			return nil
		}
		u := *v
		return &u
	case Usage:
		return &v
	case map[string]any:
		if len(v) == 0 {
			return nil
		}
		return &Usage{
			InputTokens:  toInt64(v["input_tokens"]),
			OutputTokens: toInt64(v["output_tokens"]),
		}
	case map[string]int64:
		if len(v) == 0 {
			return nil
		}
		return &Usage{InputTokens: v["input_tokens"], OutputTokens: v["output_tokens"]}
	case map[string]int:
		if len(v) == 0 {
			return nil
		}
		return &Usage{InputTokens: int64(v["input_tokens"]), OutputTokens: int64(v["output_tokens"])}
	case json.RawMessage:
		if len(v) == 0 || string(v) == "null" {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil
		}
		return NormalizeUsage(m)
	}
	return usageFromStruct(raw)
}

func usageFromStruct(raw any) *Usage {
	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	in := rv.FieldByName("InputTokens")
	out := rv.FieldByName("OutputTokens")
	if !in.IsValid() || !out.IsValid() || !in.CanInt() || !out.CanInt() {
		return nil
	}
	return &Usage{InputTokens: in.Int(), OutputTokens: out.Int()}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(math.Round(n))
	case float32:
		return int64(math.Round(float64(n)))
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return i
		}
		f, err := n.Float64()
		if err == nil {
			return int64(math.Round(f))
		}
	}
	return 0
}
