package coerce_test

import (
	"testing"

	"github.com/example/mqtt-opcua-bridge/internal/coerce"
	"github.com/example/mqtt-opcua-bridge/internal/model"
)

func TestCanonicalizeRoundTripsSupportedTypes(t *testing.T) {
	cases := []struct {
		name     string
		dataType model.DataType
		raw      string
		want     string
	}{
		{"boolean lowercased", model.DataTypeBoolean, "  TRUE  ", "true"},
		{"int32", model.DataTypeInt32, "42", "42"},
		{"float", model.DataTypeFloat, "22.5", "22.5"},
		{"double", model.DataTypeDouble, "3.14159", "3.14159"},
		{"string passthrough", model.DataTypeString, "hello", "hello"},
		{"json compacted", model.DataTypeJSON, `{ "a" : 1 }`, `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := coerce.Canonicalize(tc.dataType, tc.raw)
			if err != nil {
				t.Fatalf("Canonicalize: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Canonicalize(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestCanonicalizeDateTimeNormalizesToUTC(t *testing.T) {
	got, err := coerce.Canonicalize(model.DataTypeDateTime, "2024-01-01T10:00:00+02:00")
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := "2024-01-01T08:00:00Z"
	if got != want {
		t.Fatalf("Canonicalize date-time = %q, want %q", got, want)
	}
}

func TestCanonicalizeRejectsOutOfRangeAndMalformedValues(t *testing.T) {
	cases := []struct {
		name     string
		dataType model.DataType
		raw      string
	}{
		{"not a boolean", model.DataTypeBoolean, "yes"},
		{"int32 overflow", model.DataTypeInt32, "99999999999"},
		{"not a number", model.DataTypeFloat, "abc"},
		{"nan rejected", model.DataTypeFloat, "NaN"},
		{"not iso8601", model.DataTypeDateTime, "2024-01-01"},
		{"invalid json", model.DataTypeJSON, "{not json"},
		{"unknown type", model.DataType("Blob"), "x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := coerce.Canonicalize(tc.dataType, tc.raw); err == nil {
				t.Fatalf("Canonicalize(%q, %q) succeeded, want error", tc.dataType, tc.raw)
			}
		})
	}
}

func TestDecodeHelpersMatchCanonicalForm(t *testing.T) {
	if v, err := coerce.ToBool("true"); err != nil || !v {
		t.Fatalf("ToBool = %v, %v", v, err)
	}
	if v, err := coerce.ToInt32("42"); err != nil || v != 42 {
		t.Fatalf("ToInt32 = %v, %v", v, err)
	}
	if v, err := coerce.ToFloat32("22.5"); err != nil || v != 22.5 {
		t.Fatalf("ToFloat32 = %v, %v", v, err)
	}
	if v, err := coerce.ToFloat64("3.14159"); err != nil || v != 3.14159 {
		t.Fatalf("ToFloat64 = %v, %v", v, err)
	}
}
