package sensorfeed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

var (
	// ErrDecode marks a line that did not decode into a Reading. The
	// connection is still healthy when this is returned.
	ErrDecode = errors.New("sensor line decode failed")

	jsonNull = []byte("null")
)

// Reading is one decoded line of sensor telemetry.
type Reading struct {
	// Active reports whether the sensor is requesting autosteer engagement.
	Active bool
	// WireDistance is the signed lateral offset to the guide wire in metres,
	// nil when the sensor did not measure it this tick.
	WireDistance *float64
	// Metadata is reserved for acceleration logic, nil when null.
	Metadata json.RawMessage
}

// HasWireDistance reports whether the reading carries a steering measurement.
func (r Reading) HasWireDistance() bool { return r.WireDistance != nil }

// HasMetadata reports whether the reading carries a metadata payload.
func (r Reading) HasMetadata() bool { return len(r.Metadata) > 0 }

// DecodeReading parses a single newline-free JSON line. The keys "active",
// "wire_distance" and "metadata" are all required; the latter two may be null.
func DecodeReading(line []byte) (Reading, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Reading{}, fmt.Errorf("%w: empty line", ErrDecode)
	}
	if !utf8.Valid(line) {
		return Reading{}, fmt.Errorf("%w: line is not valid UTF-8", ErrDecode)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if fields == nil {
		return Reading{}, fmt.Errorf("%w: line is not an object", ErrDecode)
	}

	var r Reading

	raw, ok := fields["active"]
	if !ok {
		return Reading{}, fmt.Errorf("%w: missing field %q", ErrDecode, "active")
	}
	if bytes.Equal(raw, jsonNull) {
		return Reading{}, fmt.Errorf("%w: field %q is null", ErrDecode, "active")
	}
	if err := json.Unmarshal(raw, &r.Active); err != nil {
		return Reading{}, fmt.Errorf("%w: field %q: %v", ErrDecode, "active", err)
	}

	raw, ok = fields["wire_distance"]
	if !ok {
		return Reading{}, fmt.Errorf("%w: missing field %q", ErrDecode, "wire_distance")
	}
	if !bytes.Equal(raw, jsonNull) {
		var d float64
		if err := json.Unmarshal(raw, &d); err != nil {
			return Reading{}, fmt.Errorf("%w: field %q: %v", ErrDecode, "wire_distance", err)
		}
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return Reading{}, fmt.Errorf("%w: field %q is not finite", ErrDecode, "wire_distance")
		}
		r.WireDistance = &d
	}

	raw, ok = fields["metadata"]
	if !ok {
		return Reading{}, fmt.Errorf("%w: missing field %q", ErrDecode, "metadata")
	}
	if !bytes.Equal(raw, jsonNull) {
		if !bytes.HasPrefix(raw, []byte("{")) {
			return Reading{}, fmt.Errorf("%w: field %q must be an object or null", ErrDecode, "metadata")
		}
		r.Metadata = append(json.RawMessage(nil), raw...)
	}

	return r, nil
}
