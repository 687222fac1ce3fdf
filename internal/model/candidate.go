package model

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Reserved ledger keys. A candidate may not use them as parameter names.
const (
	KeyMetric = "metric"
	KeyCost   = "cost"
)

// Candidate is one parameter assignment proposed by an optimizer. Values are
// float64 or string. Treat it as immutable: hand out Clone() copies.
type Candidate map[string]any

// Clone returns a shallow copy. Values are scalars, so this is a full copy.
func (c Candidate) Clone() Candidate {
	out := make(Candidate, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (c Candidate) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Float returns the numeric value of a parameter.
func (c Candidate) Float(name string) (float64, bool) {
	v, ok := c[name]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// String returns the string value of a parameter.
func (c Candidate) String(name string) (string, bool) {
	v, ok := c[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Validate checks that every key is usable in the ledger and every value is a
// finite float64 or a string.
func (c Candidate) Validate() error {
	for _, k := range c.Keys() {
		if IsReservedKey(k) {
			return eris.Errorf("candidate: key %q is reserved", k)
		}
		switch v := c[k].(type) {
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return eris.Errorf("candidate: %s is not finite", k)
			}
		case string:
		default:
			return eris.Errorf("candidate: %s has unsupported type %T", k, v)
		}
	}
	return nil
}

// Equal reports whether two candidates hold the same keys and values.
func (c Candidate) Equal(other Candidate) bool {
	if len(c) != len(other) {
		return false
	}
	for k, v := range c {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// IsReservedKey reports whether a key is owned by the ledger record itself.
func IsReservedKey(k string) bool {
	return k == KeyMetric || k == KeyCost || strings.HasPrefix(k, "_")
}

// NormalizeValue converts numeric values from config or JSON sources into
// float64. Strings pass through unchanged.
func NormalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, eris.Wrapf(err, "candidate: parse number %s", t.String())
		}
		return f, nil
	case string:
		return t, nil
	default:
		return nil, eris.Errorf("candidate: unsupported value type %T", v)
	}
}

// NormalizeMap builds a Candidate from an arbitrary map, normalizing values.
func NormalizeMap(m map[string]any) (Candidate, error) {
	out := make(Candidate, len(m))
	for k, v := range m {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, eris.Wrapf(err, "candidate: key %s", k)
		}
		out[k] = nv
	}
	return out, nil
}
