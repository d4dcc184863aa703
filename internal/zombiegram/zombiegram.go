// Package zombiegram implements the Zombiegram wire format: a 64-byte
// maximum, HMAC-SHA256 authenticated mesh datagram carrying one or more
// opcode-typed payloads.
//
// A Zombiegram is built through Builder, which is mutable until Sign is
// called; Sign produces an immutable Zombiegram whose bytes and fields
// never change afterward. Inbound frames are parsed directly into an
// immutable Zombiegram via FromBytes.
package zombiegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed header length: hmac(4) + source_id(4) + seq_num(1) + flags(1).
const HeaderSize = 10

// MaxSize is the maximum total on-wire size of a Zombiegram, header included.
const MaxSize = 64

// MaxPayloadBytes is the payload-area budget once the header is subtracted.
const MaxPayloadBytes = MaxSize - HeaderSize

// Priority is the 2-bit delivery priority carried in the flags byte.
type Priority uint8

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Weight returns the priority-weighted acknowledgement scale used by the
// retransmission cache's completion threshold.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityLow:
		return 0.7
	case PriorityNormal:
		return 0.8
	case PriorityHigh:
		return 0.9
	default:
		return 1.0
	}
}

// Builder accumulates header fields and payloads for an outbound
// Zombiegram. It is mutable until Sign succeeds; every setter and
// AddPayload call after that returns ErrImmutableZombiegram.
type Builder struct {
	signed bool

	sourceIDSet bool
	sourceID    uint32

	seqNumSet bool
	seqNum    uint8

	prioritySet bool
	priority    Priority

	tamperedSet bool
	tampered    bool

	maintenanceSet bool
	maintenance    bool

	payloads []Payload
	size     int // sum of (1 + body size) across payloads
}

// NewBuilder returns an empty, mutable Zombiegram builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) checkMutable() error {
	if b.signed {
		return ErrImmutableZombiegram
	}
	return nil
}

// SetSourceID sets the originating device's 32-bit source id. May be set
// exactly once.
func (b *Builder) SetSourceID(id uint32) error {
	if err := b.checkMutable(); err != nil {
		return err
	}
	if b.sourceIDSet {
		return fmt.Errorf("%w: source_id already set", ErrDisallowedOperation)
	}
	b.sourceID = id
	b.sourceIDSet = true
	return nil
}

// SetSeqNum sets the per-originator sequence number. May be set exactly once.
func (b *Builder) SetSeqNum(seq uint8) error {
	if err := b.checkMutable(); err != nil {
		return err
	}
	if b.seqNumSet {
		return fmt.Errorf("%w: seq_num already set", ErrDisallowedOperation)
	}
	b.seqNum = seq
	b.seqNumSet = true
	return nil
}

// SetPriority sets the delivery priority. May be set exactly once.
func (b *Builder) SetPriority(p Priority) error {
	if err := b.checkMutable(); err != nil {
		return err
	}
	if p > PriorityUrgent {
		return fmt.Errorf("%w: priority %d out of range", ErrMalformedZombiegram, p)
	}
	if b.prioritySet {
		return fmt.Errorf("%w: priority already set", ErrDisallowedOperation)
	}
	b.priority = p
	b.prioritySet = true
	return nil
}

// SetTampered sets the tamper flag. May be set exactly once.
func (b *Builder) SetTampered(v bool) error {
	if err := b.checkMutable(); err != nil {
		return err
	}
	if b.tamperedSet {
		return fmt.Errorf("%w: tampered already set", ErrDisallowedOperation)
	}
	b.tampered = v
	b.tamperedSet = true
	return nil
}

// SetMaintenance sets the maintenance flag. May be set exactly once.
func (b *Builder) SetMaintenance(v bool) error {
	if err := b.checkMutable(); err != nil {
		return err
	}
	if b.maintenanceSet {
		return fmt.Errorf("%w: maintenance already set", ErrDisallowedOperation)
	}
	b.maintenance = v
	b.maintenanceSet = true
	return nil
}

func (b *Builder) hasNonCombinable() bool {
	for _, p := range b.payloads {
		if !p.Combinable() {
			return true
		}
	}
	return false
}

// AddPayload appends a payload record. It fails with
// ErrPiggybackProhibited if the payload list already holds a
// non-combinable payload, or p itself is non-combinable and the list is
// non-empty; with ErrPayloadOverflow if the addition would exceed
// MaxPayloadBytes; with ErrImmutableZombiegram once signed.
func (b *Builder) AddPayload(p Payload) error {
	if err := b.checkMutable(); err != nil {
		return err
	}
	if len(b.payloads) > 0 && (b.hasNonCombinable() || !p.Combinable()) {
		return ErrPiggybackProhibited
	}
	added := 1 + p.Size()
	if b.size+added > MaxPayloadBytes {
		return ErrPayloadOverflow
	}
	b.payloads = append(b.payloads, p)
	b.size += added
	return nil
}

func (b *Builder) flagsByte() byte {
	var f byte
	f |= byte(b.priority) & 0x3
	if b.tampered {
		f |= 1 << 2
	}
	if b.maintenance {
		f |= 1 << 3
	}
	return f
}

// Sign computes the HMAC-SHA256(trustKey, header_without_hmac||payloads)
// truncated to 4 bytes (or the all-zero sentinel if trustKey is empty),
// and returns the resulting immutable Zombiegram. The builder becomes
// unusable: any later call returns ErrImmutableZombiegram, and a second
// call to Sign returns ErrDisallowedOperation.
func (b *Builder) Sign(trustKey []byte) (*Zombiegram, error) {
	if b.signed {
		return nil, fmt.Errorf("%w: already signed", ErrDisallowedOperation)
	}
	if !b.sourceIDSet || !b.seqNumSet || !b.prioritySet || !b.tamperedSet || !b.maintenanceSet {
		return nil, fmt.Errorf("%w: source_id, seq_num, priority, tampered and maintenance must all be set before signing", ErrDisallowedOperation)
	}

	body := make([]byte, 0, MaxPayloadBytes+6)
	var srcBuf [4]byte
	binary.BigEndian.PutUint32(srcBuf[:], b.sourceID)
	body = append(body, srcBuf[:]...)
	body = append(body, b.seqNum, b.flagsByte())
	for _, p := range b.payloads {
		body = append(body, byte(p.Opcode()))
		body = append(body, p.Encode()...)
	}

	var tag [4]byte
	if len(trustKey) > 0 {
		mac := hmac.New(sha256.New, trustKey)
		mac.Write(body)
		sum := mac.Sum(nil)
		copy(tag[:], sum[:4])
	}

	raw := make([]byte, 0, HeaderSize+len(body)-6)
	raw = append(raw, tag[:]...)
	raw = append(raw, body...)

	b.signed = true

	payloads := make([]Payload, len(b.payloads))
	copy(payloads, b.payloads)

	return &Zombiegram{
		raw:         raw,
		hmacTag:     tag,
		sourceID:    b.sourceID,
		seqNum:      b.seqNum,
		priority:    b.priority,
		tampered:    b.tampered,
		maintenance: b.maintenance,
		payloads:    payloads,
	}, nil
}

// Zombiegram is an immutable, signed (or parsed) mesh datagram.
type Zombiegram struct {
	raw         []byte
	hmacTag     [4]byte
	sourceID    uint32
	seqNum      uint8
	priority    Priority
	tampered    bool
	maintenance bool
	payloads    []Payload
}

// FromBytes parses an inbound frame into an immutable Zombiegram. It
// fails with ErrMalformedZombiegram if the buffer is too short, contains
// an unknown opcode, or a truncated payload.
func FromBytes(buf []byte) (*Zombiegram, error) {
	if len(buf) <= HeaderSize {
		return nil, fmt.Errorf("%w: buffer too short (%d bytes)", ErrMalformedZombiegram, len(buf))
	}

	var tag [4]byte
	copy(tag[:], buf[0:4])
	sourceID := binary.BigEndian.Uint32(buf[4:8])
	seqNum := buf[8]
	flags := buf[9]

	payloads, err := decodePayloads(buf[HeaderSize:])
	if err != nil {
		return nil, err
	}

	raw := make([]byte, len(buf))
	copy(raw, buf)

	return &Zombiegram{
		raw:         raw,
		hmacTag:     tag,
		sourceID:    sourceID,
		seqNum:      seqNum,
		priority:    Priority(flags & 0x3),
		tampered:    flags&(1<<2) != 0,
		maintenance: flags&(1<<3) != 0,
		payloads:    payloads,
	}, nil
}

func decodePayloads(data []byte) ([]Payload, error) {
	var out []Payload
	offset := 0
	for offset < len(data) {
		op := Opcode(data[offset])
		offset++
		entry, ok := opcodeTable[op]
		if !ok {
			return nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformedZombiegram, op)
		}
		p, consumed, err := entry.decode(data, offset)
		if err != nil {
			return nil, err
		}
		offset += consumed
		out = append(out, p)
		if !entry.combinable {
			break
		}
	}
	return out, nil
}

// IsTrusted recomputes the HMAC over the cached bytes with trustKey and
// compares it to the stored tag. It returns false whenever trustKey is
// empty, even if the stored tag is the unsigned all-zero sentinel:
// unsigned messages are never trusted.
func (z *Zombiegram) IsTrusted(trustKey []byte) bool {
	if len(trustKey) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, trustKey)
	mac.Write(z.raw[4:])
	sum := mac.Sum(nil)
	return hmac.Equal(sum[:4], z.hmacTag[:])
}

// Bytes returns the cached on-wire encoding.
func (z *Zombiegram) Bytes() []byte { return z.raw }

// HMAC returns the 4-byte authentication tag (all-zero for unsigned messages).
func (z *Zombiegram) HMAC() [4]byte { return z.hmacTag }

// SourceID returns the originator's 32-bit source id.
func (z *Zombiegram) SourceID() uint32 { return z.sourceID }

// SeqNum returns the per-originator sequence number.
func (z *Zombiegram) SeqNum() uint8 { return z.seqNum }

// Priority returns the delivery priority.
func (z *Zombiegram) Priority() Priority { return z.priority }

// Tampered reports the sender's tamper flag.
func (z *Zombiegram) Tampered() bool { return z.tampered }

// Maintenance reports the sender's maintenance flag.
func (z *Zombiegram) Maintenance() bool { return z.maintenance }

// Payloads returns the decoded payload list, in wire order.
func (z *Zombiegram) Payloads() []Payload { return z.payloads }

// Payload returns the first payload of the given opcode, if present.
func (z *Zombiegram) Payload(op Opcode) (Payload, bool) {
	for _, p := range z.payloads {
		if p.Opcode() == op {
			return p, true
		}
	}
	return nil, false
}
