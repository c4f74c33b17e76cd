package chart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var jsonNull = []byte("null")

// FlexString decodes a JSON string or number into a string. Numbers are
// rendered in plain decimal form, never in exponent notation.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*s = FlexString(formatNumber(num.String()))
	return nil
}

// String returns the decoded value.
func (s FlexString) String() string {
	return string(s)
}

func formatNumber(raw string) string {
	if !strings.ContainsAny(raw, ".eE") {
		return raw
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// FlexInt decodes an optional integer that upstream may send as a number,
// a numeric string or null. Anything unparseable decodes as absent.
type FlexInt struct {
	Value int64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *FlexInt) UnmarshalJSON(data []byte) error {
	*n = FlexInt{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return nil
		}
		raw = strings.ReplaceAll(strings.TrimSpace(str), ",", "")
	}
	if v, ok := parseInt(raw); ok {
		*n = FlexInt{Value: v, Valid: true}
	}
	return nil
}

// Ptr returns a pointer to the value, or nil when absent.
func (n FlexInt) Ptr() *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// Int returns a FlexInt holding v.
func Int(v int64) FlexInt {
	return FlexInt{Value: v, Valid: true}
}

func parseInt(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

// Scores holds the per-metric scores of a card. Non-numeric entries are dropped.
type Scores map[string]int64

// UnmarshalJSON implements json.Unmarshaler.
func (s *Scores) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		*s = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("sorting must be an object: %w", err)
	}
	out := make(Scores, len(raw))
	for key, value := range raw {
		var n FlexInt
		if err := n.UnmarshalJSON(value); err == nil && n.Valid {
			out[key] = n.Value
		}
	}
	*s = out
	return nil
}

// Lookup returns the score for metric, or (0, false) when absent.
func (s Scores) Lookup(metric string) (int64, bool) {
	v, ok := s[metric]
	return v, ok
}
