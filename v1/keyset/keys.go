package keyset

import (
	"encoding/json"
	"slices"
)

// Keys is an immutable set of strings.
type Keys struct {
	m map[string]struct{}
}

// NewKeys builds a set from keys. Duplicates collapse.
func NewKeys(keys ...string) Keys {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return Keys{m: m}
}

// Has reports whether k is in the set.
func (k Keys) Has(key string) bool {
	_, ok := k.m[key]
	return ok
}

// Len returns the number of keys.
func (k Keys) Len() int { return len(k.m) }

// Sorted returns the keys in ascending order.
func (k Keys) Sorted() []string {
	out := make([]string, 0, len(k.m))
	for key := range k.m {
		out = append(out, key)
	}
	slices.Sort(out)
	return out
}

// Equal reports whether both sets hold the same keys.
func (k Keys) Equal(o Keys) bool {
	if len(k.m) != len(o.m) {
		return false
	}
	for key := range k.m {
		if _, ok := o.m[key]; !ok {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted array.
func (k Keys) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Sorted())
}

// UnmarshalJSON decodes an array of strings.
func (k *Keys) UnmarshalJSON(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*k = NewKeys(keys...)
	return nil
}

func union(sets ...[]string) Keys {
	m := make(map[string]struct{})
	for _, s := range sets {
		for _, key := range s {
			m[key] = struct{}{}
		}
	}
	return Keys{m: m}
}
