package transport

import (
	"fmt"
	"strconv"
	"strings"

	"avena/internal/hlc"
)

// HLCHeader is the message header key carrying the sender's HLC (spec
// sec 6): "Avena-HLC: {wall_ms}.{counter}.{node_id}".
const HLCHeader = "Avena-HLC"

// EncodeHLC renders a Timestamp into the wire header format.
func EncodeHLC(t hlc.Timestamp) string {
	return fmt.Sprintf("%d.%d.%s", t.WallMS, t.Counter, t.NodeID)
}

// DecodeHLC parses the wire header format. An error here is what the
// adapter turns into a MissingHLC anomaly (sec 6) rather than a dropped
// message.
func DecodeHLC(s string) (hlc.Timestamp, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return hlc.Timestamp{}, fmt.Errorf("malformed HLC header %q", s)
	}
	wallMS, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return hlc.Timestamp{}, fmt.Errorf("malformed HLC wall_ms %q: %w", parts[0], err)
	}
	counter, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return hlc.Timestamp{}, fmt.Errorf("malformed HLC counter %q: %w", parts[1], err)
	}
	if parts[2] == "" {
		return hlc.Timestamp{}, fmt.Errorf("malformed HLC node_id in %q", s)
	}
	return hlc.Timestamp{WallMS: wallMS, Counter: uint32(counter), NodeID: parts[2]}, nil
}
