package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Value kinds.
const (
	KindString  = "string"
	KindNumber  = "number"
	KindBoolean = "boolean"
	KindDate    = "date"
	KindNote    = "note"
)

// Value is the structured value of a fact that represents a single field.
// Exactly one payload field is meaningful, selected by Kind.
type Value struct {
	Kind   string  `json:"kind"`
	String string  `json:"string,omitempty"`
	Number float64 `json:"number,omitempty"`
	Bool   bool    `json:"bool,omitempty"`
	Date   string  `json:"date,omitempty"`
	Note   string  `json:"note,omitempty"`
}

// StringValue, NumberValue, BoolValue, DateValue and NoteValue build values.
func StringValue(s string) *Value { return &Value{Kind: KindString, String: s} }
func NumberValue(n float64) *Value { return &Value{Kind: KindNumber, Number: n} }
func BoolValue(b bool) *Value { return &Value{Kind: KindBoolean, Bool: b} }
func DateValue(d string) *Value { return &Value{Kind: KindDate, Date: d} }
func NoteValue(note string) *Value { return &Value{Kind: KindNote, Note: note} }

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05", "02/01/2006"}

// ParseLooseValue classifies an untyped JSON value as produced by a model.
// valueType is the model's own hint ("date", "number", ...) and may be empty.
// A nil or JSON null raw value yields nil.
func ParseLooseValue(raw json.RawMessage, valueType string) (*Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}

	hint := strings.ToLower(strings.TrimSpace(valueType))
	switch t := v.(type) {
	case string:
		if hint == KindDate {
			if d, ok := canonicalDate(t); ok {
				return DateValue(d), nil
			}
		}
		if hint == KindNumber {
			if n, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return NumberValue(n), nil
			}
		}
		if hint == KindNote {
			return NoteValue(t), nil
		}
		return StringValue(t), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("decoding number value: %w", err)
		}
		return NumberValue(n), nil
	case bool:
		return BoolValue(t), nil
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("compacting value: %w", err)
		}
		return NoteValue(buf.String()), nil
	}
}

// Normalize renders the value in a per-kind canonical form used to compare
// values of facts sharing a key. Empty means "no comparable value".
func (v *Value) Normalize() string {
	if v == nil {
		return ""
	}
	switch v.Kind {
	case KindString:
		return strings.ToLower(strings.TrimSpace(v.String))
	case KindNote:
		return strings.ToLower(strings.TrimSpace(v.Note))
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	case KindDate:
		if d, ok := canonicalDate(v.Date); ok {
			return d
		}
		return strings.TrimSpace(v.Date)
	default:
		return ""
	}
}

// Display renders the value for humans.
func (v *Value) Display() string {
	if v == nil {
		return ""
	}
	switch v.Kind {
	case KindString:
		return v.String
	case KindNote:
		return v.Note
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	case KindDate:
		return v.Date
	default:
		return ""
	}
}

func canonicalDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}
