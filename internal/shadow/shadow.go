// Package shadow speaks the device shadow document convention: topic
// names derived from the thing name, parsing of inbound delta
// notifications, and encoding of reported-state updates.
//
// The full shadow document is never modelled. Delta parsing keeps the
// desired section as raw JSON fields so callers pick out only what they
// need; reported updates carry only the fields this device owns.
package shadow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const topicPrefix = "$aws/things/"

// DeltaTopic returns the topic the broker pushes desired-state deltas to.
func DeltaTopic(thingName string) string {
	return topicPrefix + thingName + "/shadow/update/delta"
}

// UpdateTopic returns the topic a device publishes reported state to.
func UpdateTopic(thingName string) string {
	return topicPrefix + thingName + "/shadow/update"
}

// Sentinel causes wrapped by [ParseError].
var (
	ErrInvalidJSON = errors.New("payload is not valid JSON")
	ErrNoState     = errors.New("payload does not contain state-object")
	ErrNoDesired   = errors.New("state does not contain desired-object")
)

// ParseError is returned for a delta payload that cannot be used. It
// is never fatal: the message is logged and dropped.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "shadow delta: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// Desired is the desired section of a delta message, keyed by field.
type Desired map[string]json.RawMessage

// Bool reports whether field is present and truthy. Truthiness follows
// the loose rules devices have always applied to shadow fields: true,
// non-zero numbers, non-empty strings, non-empty arrays and objects.
// Absent, null and malformed values are false.
func (d Desired) Bool(field string) bool {
	raw, ok := d[field]
	if !ok {
		return false
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}

	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return false
	}
}

// ParseDelta extracts state.desired from a delta payload. The error,
// when non-nil, is a *ParseError wrapping one of ErrInvalidJSON,
// ErrNoState or ErrNoDesired.
func ParseDelta(payload []byte) (Desired, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, &ParseError{Err: fmt.Errorf("%w: %v", ErrInvalidJSON, err)}
	}

	rawState, ok := doc["state"]
	if !ok {
		return nil, &ParseError{Err: ErrNoState}
	}
	var state map[string]json.RawMessage
	if err := json.Unmarshal(rawState, &state); err != nil || state == nil {
		return nil, &ParseError{Err: ErrNoState}
	}

	rawDesired, ok := state["desired"]
	if !ok {
		return nil, &ParseError{Err: ErrNoDesired}
	}
	var desired Desired
	if err := json.Unmarshal(rawDesired, &desired); err != nil || desired == nil {
		return nil, &ParseError{Err: ErrNoDesired}
	}

	return desired, nil
}

// Decimal1 is a float that encodes to JSON with exactly one fractional
// digit, e.g. 21.0 rather than 21.
type Decimal1 float64

// MarshalJSON implements [json.Marshaler].
func (d Decimal1) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, float64(d), 'f', 1, 64), nil
}

// Climate is the reported section published by the sensor agent.
type Climate struct {
	Humidity    Decimal1 `json:"humidity"`
	Temperature Decimal1 `json:"temperature"`
}

type reportedState[T any] struct {
	Reported T `json:"reported"`
}

type reportedDocument[T any] struct {
	State reportedState[T] `json:"state"`
}

// Reported encodes v as {"state":{"reported": v}}.
func Reported[T any](v T) ([]byte, error) {
	return json.Marshal(reportedDocument[T]{State: reportedState[T]{Reported: v}})
}
