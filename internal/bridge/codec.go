// Package bridge is the boundary between the middleware transport and the
// internal trust data model. It carries no trust or association logic:
// inbound datagrams are decoded into canonical Detection records and
// outbound fusion results are serialized back into middleware messages.
package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/avstack-lab/avtrust-bridge/internal/trust"
)

// Wire format: messages are CBOR (Core Deterministic Encoding) by default,
// with JSON accepted on the inbound side for hand-driven testing. The
// decoder sniffs the first byte; a JSON document always starts with '{'
// (0x7b), which is not a valid first byte for any CBOR map we accept.

// encMode is the CBOR encoder configured with Core Deterministic Encoding
// (RFC 8949 §4.2): the same logical message always produces identical
// bytes, which keeps outbound messages diffable in captures.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown fields are ignored for forward
// compatibility with newer publishers.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("bridge: CBOR decoder initialization failed: " + err.Error())
	}
}

// WireDetection is one object report inside a detection batch.
type WireDetection struct {
	// Position is [x, y, z] in the shared world frame (metres).
	Position [3]float64 `json:"position"`
	// Box is [length, width, height] in metres.
	Box        [3]float64 `json:"box"`
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
}

// DetectionBatch is one inbound message: a batch of detections from a
// single agent sharing one timestamp. Viewpoint and field-of-view metadata
// ride along so the bridge needs no separate agent-registration channel.
type DetectionBatch struct {
	AgentID        string          `json:"agent_id"`
	TimestampNanos int64           `json:"timestamp_nanos"`
	Viewpoint      [3]float64      `json:"viewpoint"`
	FOVRangeMeters float64         `json:"fov_range_m,omitempty"`
	PriorAlpha     float64         `json:"prior_alpha,omitempty"`
	PriorBeta      float64         `json:"prior_beta,omitempty"`
	Detections     []WireDetection `json:"detections"`
}

// Agent converts the batch's rider metadata into an Agent record.
func (b *DetectionBatch) Agent() trust.Agent {
	return trust.Agent{
		ID:             b.AgentID,
		Viewpoint:      trust.Position{X: b.Viewpoint[0], Y: b.Viewpoint[1], Z: b.Viewpoint[2]},
		FOVRangeMeters: b.FOVRangeMeters,
		PriorAlpha:     b.PriorAlpha,
		PriorBeta:      b.PriorBeta,
	}
}

// ToDetections converts the batch into canonical Detection records.
func (b *DetectionBatch) ToDetections() []trust.Detection {
	dets := make([]trust.Detection, len(b.Detections))
	for i, d := range b.Detections {
		dets[i] = trust.Detection{
			AgentID:        b.AgentID,
			TimestampNanos: b.TimestampNanos,
			Position:       trust.Position{X: d.Position[0], Y: d.Position[1], Z: d.Position[2]},
			Box:            trust.BoundingBox{Length: d.Box[0], Width: d.Box[1], Height: d.Box[2]},
			Class:          d.Class,
			Confidence:     d.Confidence,
		}
	}
	return dets
}

// TrustRecord is one belief in an outbound trust message.
type TrustRecord struct {
	AgentID string  `json:"agent_id"`
	TrackID string  `json:"track_id,omitempty"`
	Alpha   float64 `json:"alpha"`
	Beta    float64 `json:"beta"`
	Score   float64 `json:"score"`
}

// Outbound message type tags.
const (
	MsgFused = "fused_estimates"
	MsgTrust = "trust_state"
	MsgPSM   = "psms"
)

// FusedMessage carries one cycle's fused estimates, including the
// contributing (agent, score) pairs for auditability.
type FusedMessage struct {
	Type           string                `json:"type"`
	TimestampNanos int64                 `json:"timestamp_nanos"`
	Estimates      []trust.FusedEstimate `json:"estimates"`
}

// TrustMessage carries the agent-level and track-level trust arrays.
type TrustMessage struct {
	Type           string        `json:"type"`
	TimestampNanos int64         `json:"timestamp_nanos"`
	Agents         []TrustRecord `json:"agents"`
	Tracks         []TrustRecord `json:"tracks"`
}

// PSMMessage carries the cycle's generated pseudo-trust measurements.
type PSMMessage struct {
	Type           string      `json:"type"`
	TimestampNanos int64       `json:"timestamp_nanos"`
	PSMs           []trust.PSM `json:"psms"`
}

// Encode serializes an outbound message as deterministic CBOR.
func Encode(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode outbound message: %w", err)
	}
	return data, nil
}

// DecodeDetectionBatch decodes and validates one inbound datagram. All
// format-specific branching lives here: the payload is CBOR unless it
// sniffs as JSON. On a validation failure the caller drops the message
// with a logged reason and continues.
func DecodeDetectionBatch(data []byte) (*DetectionBatch, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	var batch DetectionBatch
	if data[0] == '{' {
		if err := decodeJSON(data, &batch); err != nil {
			return nil, fmt.Errorf("invalid JSON detection batch: %w", err)
		}
	} else {
		if err := decMode.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("invalid CBOR detection batch: %w", err)
		}
	}

	if err := batch.validate(); err != nil {
		return nil, err
	}
	return &batch, nil
}

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (b *DetectionBatch) validate() error {
	if b.AgentID == "" {
		return fmt.Errorf("missing agent_id")
	}
	if b.TimestampNanos <= 0 {
		return fmt.Errorf("agent %s: missing or non-positive timestamp", b.AgentID)
	}
	if b.FOVRangeMeters < 0 {
		return fmt.Errorf("agent %s: negative fov_range_m %f", b.AgentID, b.FOVRangeMeters)
	}
	for i, d := range b.Detections {
		if d.Class == "" {
			return fmt.Errorf("agent %s: detection %d missing class", b.AgentID, i)
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			return fmt.Errorf("agent %s: detection %d confidence %f outside [0,1]", b.AgentID, i, d.Confidence)
		}
	}
	return nil
}
