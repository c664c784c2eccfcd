// Package coerce implements the canonical wire-form coercion rules of
// SPEC_FULL.md §6.2: turning ingress payloads into the message's declared
// data_type and back into the representation the destination protocol
// expects, rejecting anything that doesn't round-trip.
package coerce

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/example/mqtt-opcua-bridge/internal/bridgeerr"
	"github.com/example/mqtt-opcua-bridge/internal/model"
)

// Canonicalize validates raw against dataType and returns its canonical
// string form for storage in Message.Value. Coercion failures are always
// Permanent per §6.2 ("Coercion failures at ingress are Permanent").
func Canonicalize(dataType model.DataType, raw string) (string, error) {
	switch dataType {
	case model.DataTypeBoolean:
		return canonicalizeBoolean(raw)
	case model.DataTypeInt32:
		return canonicalizeInt32(raw)
	case model.DataTypeFloat:
		return canonicalizeFloat(raw, 32)
	case model.DataTypeDouble:
		return canonicalizeFloat(raw, 64)
	case model.DataTypeString:
		return raw, nil
	case model.DataTypeDateTime:
		return canonicalizeDateTime(raw)
	case model.DataTypeJSON:
		return canonicalizeJSON(raw)
	default:
		return "", bridgeerr.WrapPermanent(fmt.Errorf("coerce: unsupported data type %q", dataType))
	}
}

func canonicalizeBoolean(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return "true", nil
	case "false":
		return "false", nil
	default:
		return "", bridgeerr.WrapPermanent(fmt.Errorf("coerce: %q is not a boolean", raw))
	}
}

func canonicalizeInt32(raw string) (string, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return "", bridgeerr.WrapPermanent(fmt.Errorf("coerce: %q is not an integer: %v", raw, err))
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return "", bridgeerr.WrapPermanent(fmt.Errorf("coerce: %d out of Int32 range", v))
	}
	return strconv.FormatInt(v, 10), nil
}

func canonicalizeFloat(raw string, bits int) (string, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), bits)
	if err != nil {
		return "", bridgeerr.WrapPermanent(fmt.Errorf("coerce: %q is not a number: %v", raw, err))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", bridgeerr.WrapPermanent(fmt.Errorf("coerce: %q is NaN or Inf, rejected", raw))
	}
	return strconv.FormatFloat(v, 'g', -1, bits), nil
}

func canonicalizeDateTime(raw string) (string, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return "", bridgeerr.WrapPermanent(fmt.Errorf("coerce: %q is not ISO 8601 with timezone: %v", raw, err))
	}
	return t.UTC().Format(time.RFC3339Nano), nil
}

func canonicalizeJSON(raw string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", bridgeerr.WrapPermanent(fmt.Errorf("coerce: %q is not valid JSON: %v", raw, err))
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", bridgeerr.WrapPermanent(fmt.Errorf("coerce: re-marshal JSON: %v", err))
	}
	return string(out), nil
}

// ToBool decodes a Boolean canonical value.
func ToBool(canonical string) (bool, error) {
	return strconv.ParseBool(canonical)
}

// ToInt32 decodes an Int32 canonical value.
func ToInt32(canonical string) (int32, error) {
	v, err := strconv.ParseInt(canonical, 10, 32)
	return int32(v), err
}

// ToFloat32 decodes a Float canonical value.
func ToFloat32(canonical string) (float32, error) {
	v, err := strconv.ParseFloat(canonical, 32)
	return float32(v), err
}

// ToFloat64 decodes a Double canonical value.
func ToFloat64(canonical string) (float64, error) {
	return strconv.ParseFloat(canonical, 64)
}
