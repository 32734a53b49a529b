package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var null = []byte("null")

// FlexString accepts a JSON string or number. Ids arrive as either depending on
// which upstream endpoint produced them.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, null) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*s = FlexString(n.String())
	return nil
}

// FlexFloat accepts a JSON number, a numeric string, or null (zero).
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	raw, err := scalarText(data)
	if err != nil {
		return fmt.Errorf("flex float: %w", err)
	}
	if raw == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("flex float: %w", err)
	}
	*f = FlexFloat(v)
	return nil
}

// FlexInt accepts a JSON number (integral floats are truncated), a numeric
// string, or null (zero).
type FlexInt int

func (i *FlexInt) UnmarshalJSON(data []byte) error {
	raw, err := scalarText(data)
	if err != nil {
		return fmt.Errorf("flex int: %w", err)
	}
	if raw == "" {
		*i = 0
		return nil
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*i = FlexInt(v)
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("flex int: %w", err)
	}
	*i = FlexInt(int(v))
	return nil
}

// FlexTime accepts RFC 3339 timestamps, zone-less timestamps (read as UTC),
// unix milliseconds, or null. Valid reports whether a value was present.
type FlexTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	*t = FlexTime{}
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, null) {
		return nil
	}
	if len(data) > 0 && data[0] != '"' {
		var ms int64
		if err := json.Unmarshal(data, &ms); err != nil {
			return fmt.Errorf("flex time: %w", err)
		}
		*t = FlexTime{Time: time.UnixMilli(ms).UTC(), Valid: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flex time: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = FlexTime{Time: parsed.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("flex time: unrecognized timestamp %q", s)
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	if !t.Valid {
		return null, nil
	}
	return json.Marshal(t.Time)
}

func scalarText(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, null) {
		return "", nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
