package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFlexString(t *testing.T) {
	cases := map[string]FlexString{
		`"abc"`: "abc",
		`42`:    "42",
		`null`:  "",
	}
	for in, want := range cases {
		var got FlexString
		if err := json.Unmarshal([]byte(in), &got); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: want %q, got %q", in, want, got)
		}
	}
	var s FlexString
	if err := json.Unmarshal([]byte(`{}`), &s); err == nil {
		t.Fatalf("object should not decode as a flex string")
	}
}

func TestFlexNumbers(t *testing.T) {
	var ts TeamStanding
	if err := json.Unmarshal([]byte(`{"teamId":7,"teamName":"Seven","rank":"3","score":" 12.5 "}`), &ts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ts.TeamID != "7" || ts.Rank != 3 || ts.Score != 12.5 {
		t.Fatalf("unexpected standing: %+v", ts)
	}

	var rank FlexInt
	if err := json.Unmarshal([]byte(`4.0`), &rank); err != nil || rank != 4 {
		t.Fatalf("integral float: %v, %v", rank, err)
	}
	if err := json.Unmarshal([]byte(`null`), &rank); err != nil || rank != 0 {
		t.Fatalf("null rank: %v, %v", rank, err)
	}

	var score FlexFloat
	if err := json.Unmarshal([]byte(`"lots"`), &score); err == nil {
		t.Fatalf("want error for non-numeric score")
	}
}

func TestFlexTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	for _, in := range []string{
		`"2024-03-01T12:30:00Z"`,
		`"2024-03-01T14:30:00+02:00"`,
		`"2024-03-01T12:30:00"`,
		`"2024-03-01 12:30:00"`,
		`1709296200000`,
	} {
		var got FlexTime
		if err := json.Unmarshal([]byte(in), &got); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if !got.Valid || !got.Time.Equal(want) {
			t.Fatalf("%s: want %v, got %+v", in, want, got)
		}
	}

	var missing FlexTime
	for _, in := range []string{`null`, `""`} {
		if err := json.Unmarshal([]byte(in), &missing); err != nil || missing.Valid {
			t.Fatalf("%s: want invalid time, got %+v, %v", in, missing, err)
		}
	}
	if err := json.Unmarshal([]byte(`"yesterday"`), &missing); err == nil {
		t.Fatalf("want error for unparseable timestamp")
	}

	out, err := json.Marshal(FlexTime{})
	if err != nil || string(out) != "null" {
		t.Fatalf("marshal invalid: %s, %v", out, err)
	}
}
