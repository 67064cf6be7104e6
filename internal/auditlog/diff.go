package auditlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"
)

const (
	// MaxValueLength is the number of characters kept from a long scalar value.
	MaxValueLength = 1000
	// MaxListItems is the number of items kept from a long list value.
	MaxListItems = 50
	// MaxChangeBytes caps the serialized change payload of a single entry.
	MaxChangeBytes = 64 * 1024

	truncatedMarker      = "...[truncated]"
	unserializableMarker = "[unserializable]"
)

var sensitiveFields = map[string]struct{}{
	"password":     {},
	"passwordhash": {},
	"passwd":       {},
	"pin":          {},
	"token":        {},
	"accesstoken":  {},
	"refreshtoken": {},
	"resettoken":   {},
	"sessiontoken": {},
	"secret":       {},
	"clientsecret": {},
	"apikey":       {},
	"privatekey":   {},
	"creditcard":   {},
	"cardnumber":   {},
	"cvv":          {},
}

// IsSensitive reports whether a field name is on the deny-list. Matching ignores
// case and the separators "_", "-" and " ", so apiKey, api_key and API-KEY all match.
func IsSensitive(field string) bool {
	normalized := strings.ToLower(field)
	normalized = strings.NewReplacer("_", "", "-", "", " ", "").Replace(normalized)
	_, ok := sensitiveFields[normalized]
	return ok
}

// ChangeKind tags the variant held by a ChangeSet.
type ChangeKind string

const (
	// ChangeSnapshot holds the full filtered state of a created or deleted entity.
	ChangeSnapshot ChangeKind = "snapshot"
	// ChangeDelta holds per-field transitions of an updated entity.
	ChangeDelta ChangeKind = "delta"
	// ChangeTruncated replaces a payload that exceeded MaxChangeBytes.
	ChangeTruncated ChangeKind = "truncated"
)

// FieldChange is the transition of one field.
type FieldChange struct {
	From    any
	To      any
	Removed bool
}

// MarshalJSON encodes the change as {"from":..,"to":..}.
func (c FieldChange) MarshalJSON() ([]byte, error) {
	out := map[string]any{"from": c.From, "to": c.To}
	if c.Removed {
		out["removed"] = true
	}
	return json.Marshal(out)
}

// ChangeSet is the minimal delta between two snapshots of an entity.
type ChangeSet struct {
	Kind     ChangeKind
	Snapshot map[string]any
	Fields   map[string]FieldChange
	Size     int
}

// MarshalJSON encodes the variant held by the change set.
func (c ChangeSet) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ChangeSnapshot:
		return json.Marshal(c.Snapshot)
	case ChangeDelta:
		return json.Marshal(c.Fields)
	case ChangeTruncated:
		return json.Marshal(map[string]any{"truncated": true, "size": c.Size})
	default:
		return []byte("null"), nil
	}
}

// Len returns the number of fields recorded.
func (c *ChangeSet) Len() int {
	if c == nil {
		return 0
	}
	switch c.Kind {
	case ChangeSnapshot:
		return len(c.Snapshot)
	case ChangeDelta:
		return len(c.Fields)
	case ChangeTruncated:
		return 1
	}
	return 0
}

// ComputeDiff returns the changed fields between oldState and newState, or nil
// when nothing changed. A nil oldState is a create, a nil newState a delete.
func ComputeDiff(oldState, newState map[string]any) *ChangeSet {
	var cs *ChangeSet
	switch {
	case oldState == nil && newState == nil:
		return nil
	case oldState == nil:
		cs = snapshotOf(newState)
	case newState == nil:
		cs = snapshotOf(oldState)
	default:
		cs = deltaOf(oldState, newState)
	}
	if cs == nil {
		return nil
	}
	return enforceCeiling(cs)
}

// FilterSensitive returns a copy of state without deny-listed fields. Nested
// maps are filtered too.
func FilterSensitive(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for key, value := range state {
		if IsSensitive(key) {
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			value = FilterSensitive(nested)
		}
		out[key] = value
	}
	return out
}

// SanitizeMetadata filters and truncates free-form metadata. Values JSON cannot
// encode (NaN, channels, funcs) are replaced by a marker so the entry still
// persists.
func SanitizeMetadata(meta map[string]any) map[string]any {
	filtered := FilterSensitive(meta)
	if len(filtered) == 0 {
		return nil
	}
	for key, value := range filtered {
		filtered[key] = truncateValue(value)
	}
	if _, err := json.Marshal(filtered); err == nil {
		return filtered
	}
	for key, value := range filtered {
		if _, err := json.Marshal(value); err != nil {
			filtered[key] = unserializableMarker
		}
	}
	return filtered
}

func snapshotOf(state map[string]any) *ChangeSet {
	filtered := FilterSensitive(state)
	if len(filtered) == 0 {
		return nil
	}
	for key, value := range filtered {
		filtered[key] = truncateValue(value)
	}
	return &ChangeSet{Kind: ChangeSnapshot, Snapshot: filtered}
}

func deltaOf(oldState, newState map[string]any) *ChangeSet {
	fields := make(map[string]FieldChange)
	for key, oldValue := range oldState {
		if IsSensitive(key) {
			continue
		}
		newValue, ok := newState[key]
		if !ok {
			fields[key] = FieldChange{From: truncateValue(oldValue), Removed: true}
			continue
		}
		if !equalValues(oldValue, newValue) {
			fields[key] = FieldChange{From: truncateValue(oldValue), To: truncateValue(newValue)}
		}
	}
	for key, newValue := range newState {
		if IsSensitive(key) {
			continue
		}
		if _, ok := oldState[key]; ok {
			continue
		}
		fields[key] = FieldChange{To: truncateValue(newValue)}
	}
	if len(fields) == 0 {
		return nil
	}
	return &ChangeSet{Kind: ChangeDelta, Fields: fields}
}

func enforceCeiling(cs *ChangeSet) *ChangeSet {
	raw, err := json.Marshal(cs)
	if err != nil {
		return &ChangeSet{Kind: ChangeTruncated, Size: -1}
	}
	if len(raw) > MaxChangeBytes {
		return &ChangeSet{Kind: ChangeTruncated, Size: len(raw)}
	}
	return cs
}

func truncateValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if utf8.RuneCountInString(v) <= MaxValueLength {
			return v
		}
		return string([]rune(v)[:MaxValueLength]) + truncatedMarker
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range FilterSensitive(v) {
			out[key] = truncateValue(item)
		}
		return out
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return value
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return value
	}
	n := rv.Len()
	if n <= MaxListItems {
		return value
	}
	out := make([]any, 0, MaxListItems+1)
	for i := 0; i < MaxListItems; i++ {
		out = append(out, truncateValue(rv.Index(i).Interface()))
	}
	return append(out, fmt.Sprintf("+%d more", n-MaxListItems))
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if am, aneg, ok := exactInt(a); ok {
		if bm, bneg, ok := exactInt(b); ok {
			return am == bm && aneg == bneg
		}
	}
	if af, ok := numeric(a); ok {
		bf, ok := numeric(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

func numeric(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// exactInt returns the magnitude and sign of an integer value so integers
// beyond float64 precision still compare exactly.
func exactInt(v any) (uint64, bool, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < 0 {
			return uint64(-(i + 1)) + 1, true, true
		}
		return uint64(i), false, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), false, true
	}
	return 0, false, false
}
