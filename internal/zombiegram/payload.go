package zombiegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zombiemesh/zombiemesh/internal/usms"
)

// Opcode identifies a payload variant on the wire.
type Opcode uint8

// Payload opcodes. Order is part of the wire protocol; never renumber.
const (
	OpAck           Opcode = 0
	OpNetworkChange Opcode = 1
	OpDetection     Opcode = 2
	OpUSMS          Opcode = 3
	OpDiagnostic    Opcode = 4
)

// networkChangeMessage is the fixed message HMAC-signed to derive a
// NetworkChange payload's signed_source_id.
var networkChangeMessage = []byte{0x80, 0x7D}

// Payload is a single Zombiegram payload record (opcode + body).
type Payload interface {
	Opcode() Opcode
	Combinable() bool
	// Size returns the body size in bytes, excluding the opcode byte.
	Size() int
	// Encode returns the body bytes, excluding the opcode byte.
	Encode() []byte
}

// decodeFunc parses a payload body starting at data[offset:]. It returns
// the parsed payload and the number of body bytes consumed. USMS is
// terminal and consumes every remaining byte.
type decodeFunc func(data []byte, offset int) (Payload, int, error)

type opcodeEntry struct {
	combinable bool
	fixedSize  int // -1 for variable-length terminal payloads
	decode     decodeFunc
}

var opcodeTable = map[Opcode]opcodeEntry{
	OpAck:           {combinable: false, fixedSize: 5, decode: decodeAck},
	OpNetworkChange: {combinable: false, fixedSize: 4, decode: decodeNetworkChange},
	OpDetection:     {combinable: true, fixedSize: 2, decode: decodeDetection},
	OpUSMS:          {combinable: false, fixedSize: -1, decode: decodeUSMS},
	OpDiagnostic:    {combinable: true, fixedSize: 23, decode: decodeDiagnostic},
}

// AckPayload acknowledges receipt of a specific (source_id, seq_num) pair.
type AckPayload struct {
	SourceID uint32
	SeqNum   uint8
}

func (p *AckPayload) Opcode() Opcode    { return OpAck }
func (p *AckPayload) Combinable() bool  { return false }
func (p *AckPayload) Size() int         { return 5 }
func (p *AckPayload) Encode() []byte {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[0:4], p.SourceID)
	buf[4] = p.SeqNum
	return buf
}

func decodeAck(data []byte, offset int) (Payload, int, error) {
	if offset+5 > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated ack payload", ErrMalformedZombiegram)
	}
	return &AckPayload{
		SourceID: binary.BigEndian.Uint32(data[offset : offset+4]),
		SeqNum:   data[offset+4],
	}, 5, nil
}

// NetworkChangePayload signals that the originating node's trust key has
// been compromised and dropped.
type NetworkChangePayload struct {
	SignedSourceID [4]byte
}

// NewNetworkChangePayload derives SignedSourceID from trustKey the way the
// protocol defines: HMAC-SHA256(trustKey, 0x807D)[0:4].
func NewNetworkChangePayload(trustKey []byte) *NetworkChangePayload {
	mac := hmac.New(sha256.New, trustKey)
	mac.Write(networkChangeMessage)
	sum := mac.Sum(nil)
	var signed [4]byte
	copy(signed[:], sum[:4])
	return &NetworkChangePayload{SignedSourceID: signed}
}

func (p *NetworkChangePayload) Opcode() Opcode   { return OpNetworkChange }
func (p *NetworkChangePayload) Combinable() bool { return false }
func (p *NetworkChangePayload) Size() int        { return 4 }
func (p *NetworkChangePayload) Encode() []byte {
	buf := make([]byte, 4)
	copy(buf, p.SignedSourceID[:])
	return buf
}

func decodeNetworkChange(data []byte, offset int) (Payload, int, error) {
	if offset+4 > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated network change payload", ErrMalformedZombiegram)
	}
	var signed [4]byte
	copy(signed[:], data[offset:offset+4])
	return &NetworkChangePayload{SignedSourceID: signed}, 4, nil
}

// DetectionPayload reports a sensor detection event.
type DetectionPayload struct {
	Confidence uint8 // percentage, 0..100
	HitCounter uint8
}

// NewDetectionPayload validates ranges and constructs a DetectionPayload.
func NewDetectionPayload(confidence, hitCounter int) (*DetectionPayload, error) {
	if confidence < 0 || confidence > 100 {
		return nil, fmt.Errorf("%w: confidence %d out of range [0,100]", ErrMalformedZombiegram, confidence)
	}
	if hitCounter < 0 || hitCounter > 255 {
		return nil, fmt.Errorf("%w: hitcounter %d out of range [0,255]", ErrMalformedZombiegram, hitCounter)
	}
	return &DetectionPayload{Confidence: uint8(confidence), HitCounter: uint8(hitCounter)}, nil
}

func (p *DetectionPayload) Opcode() Opcode   { return OpDetection }
func (p *DetectionPayload) Combinable() bool { return true }
func (p *DetectionPayload) Size() int        { return 2 }
func (p *DetectionPayload) Encode() []byte {
	return []byte{p.Confidence, p.HitCounter}
}

func decodeDetection(data []byte, offset int) (Payload, int, error) {
	if offset+2 > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated detection payload", ErrMalformedZombiegram)
	}
	return &DetectionPayload{Confidence: data[offset], HitCounter: data[offset+1]}, 2, nil
}

// USMSPayload carries a short human-readable text message, 6-bit packed.
type USMSPayload struct {
	Text    string
	encoded []byte
}

// NewUSMSPayload encodes ascii text into a USMS payload.
func NewUSMSPayload(text string) (*USMSPayload, error) {
	if len(text) > usms.MaxChars {
		return nil, fmt.Errorf("%w: %d chars given, maximum of %d allowed", ErrUsmsSizeTooLarge, len(text), usms.MaxChars)
	}
	enc, err := usms.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedZombiegram, err)
	}
	return &USMSPayload{Text: text, encoded: enc}, nil
}

func (p *USMSPayload) Opcode() Opcode   { return OpUSMS }
func (p *USMSPayload) Combinable() bool { return false }
func (p *USMSPayload) Size() int        { return len(p.encoded) }
func (p *USMSPayload) Encode() []byte   { return p.encoded }

// decodeUSMS consumes the remainder of the datagram, per protocol: USMS is
// the only variable-length/terminal payload.
func decodeUSMS(data []byte, offset int) (Payload, int, error) {
	body := data[offset:]
	text, err := usms.Decode(body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedZombiegram, err)
	}
	return &USMSPayload{Text: text, encoded: append([]byte(nil), body...)}, len(body), nil
}

// NetworkRole enumerates a node's position within the mesh.
type NetworkRole uint8

const (
	RoleChild NetworkRole = 0
	RoleRouter NetworkRole = 1
	RoleLeader NetworkRole = 2
)

// DiagnosticPayload reports GPS position, best neighbors, battery and role.
type DiagnosticPayload struct {
	Latitude    float32
	Longitude   float32
	Neighbor1   uint32 // 0 means absent
	Neighbor2   uint32
	Neighbor3   uint32
	Battery     uint8 // 0..101, 101 = unknown
	SensorID    uint8
	NetworkRole NetworkRole
	IsSensor    bool
	IsRouter    bool
	IsGateway   bool
}

// NewDiagnosticPayload validates ranges per protocol and builds a payload.
// neighbors may contain 0..3 source IDs; missing slots encode as zero.
func NewDiagnosticPayload(lat, lon float32, neighbors []uint32, battery int, role NetworkRole, isSensor, isRouter, isGateway bool, sensorID int) (*DiagnosticPayload, error) {
	if battery < 0 || battery > 101 {
		return nil, fmt.Errorf("%w: battery %d out of range [0,101]", ErrMalformedZombiegram, battery)
	}
	if role > RoleLeader {
		return nil, fmt.Errorf("%w: network role %d out of range [0,2]", ErrMalformedZombiegram, role)
	}
	if sensorID < 0 || sensorID > 255 {
		return nil, fmt.Errorf("%w: sensor id %d out of range [0,255]", ErrMalformedZombiegram, sensorID)
	}
	if len(neighbors) > 3 {
		return nil, fmt.Errorf("%w: at most 3 best neighbors allowed", ErrMalformedZombiegram)
	}
	d := &DiagnosticPayload{
		Latitude: lat, Longitude: lon,
		Battery: uint8(battery), SensorID: uint8(sensorID), NetworkRole: role,
		IsSensor: isSensor, IsRouter: isRouter, IsGateway: isGateway,
	}
	if len(neighbors) > 0 {
		d.Neighbor1 = neighbors[0]
	}
	if len(neighbors) > 1 {
		d.Neighbor2 = neighbors[1]
	}
	if len(neighbors) > 2 {
		d.Neighbor3 = neighbors[2]
	}
	return d, nil
}

func (p *DiagnosticPayload) Opcode() Opcode   { return OpDiagnostic }
func (p *DiagnosticPayload) Combinable() bool { return true }
func (p *DiagnosticPayload) Size() int        { return 23 }

func (p *DiagnosticPayload) rolesByte() byte {
	var roles byte
	roles |= byte(p.NetworkRole) & 0x3
	if p.IsSensor {
		roles |= 1 << 2
	}
	if p.IsRouter {
		roles |= 1 << 3
	}
	if p.IsGateway {
		roles |= 1 << 4
	}
	return roles
}

func (p *DiagnosticPayload) Encode() []byte {
	buf := make([]byte, 23)
	binary.BigEndian.PutUint32(buf[0:4], math.Float32bits(p.Latitude))
	binary.BigEndian.PutUint32(buf[4:8], math.Float32bits(p.Longitude))
	binary.BigEndian.PutUint32(buf[8:12], p.Neighbor1)
	binary.BigEndian.PutUint32(buf[12:16], p.Neighbor2)
	binary.BigEndian.PutUint32(buf[16:20], p.Neighbor3)
	buf[20] = p.Battery
	buf[21] = p.SensorID
	buf[22] = p.rolesByte()
	return buf
}

func decodeDiagnostic(data []byte, offset int) (Payload, int, error) {
	if offset+23 > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated diagnostic payload", ErrMalformedZombiegram)
	}
	lat := math.Float32frombits(binary.BigEndian.Uint32(data[offset : offset+4]))
	lon := math.Float32frombits(binary.BigEndian.Uint32(data[offset+4 : offset+8]))
	n1 := binary.BigEndian.Uint32(data[offset+8 : offset+12])
	n2 := binary.BigEndian.Uint32(data[offset+12 : offset+16])
	n3 := binary.BigEndian.Uint32(data[offset+16 : offset+20])
	battery := data[offset+20]
	sensorID := data[offset+21]
	roles := data[offset+22]
	return &DiagnosticPayload{
		Latitude: lat, Longitude: lon,
		Neighbor1: n1, Neighbor2: n2, Neighbor3: n3,
		Battery: battery, SensorID: sensorID,
		NetworkRole: NetworkRole(roles & 0x3),
		IsSensor:    roles&(1<<2) != 0,
		IsRouter:    roles&(1<<3) != 0,
		IsGateway:   roles&(1<<4) != 0,
	}, 23, nil
}

// Neighbors returns the non-zero best-neighbor source IDs, in order.
func (p *DiagnosticPayload) Neighbors() []uint32 {
	var out []uint32
	if p.Neighbor1 != 0 {
		out = append(out, p.Neighbor1)
	}
	if p.Neighbor2 != 0 {
		out = append(out, p.Neighbor2)
	}
	if p.Neighbor3 != 0 {
		out = append(out, p.Neighbor3)
	}
	return out
}
