package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

const (
	MsgTypePacket = "mesh_packet"
	ProtoVersion  = "0.1.0"

	MaxPeerIDLen = 32
	MaxPayload   = 500
	MaxTTL       = 255
	// MaxFrameSize is the largest frame a link is expected to carry whole.
	MaxFrameSize = 1200

	sumLen = 8
)

var (
	ErrMalformed = errors.New("malformed packet")
	ErrChecksum  = errors.New("packet checksum mismatch")
	ErrTooLarge  = errors.New("frame too large")
)

// PeerID is the single identity token used for neighbor keys and packet
// addressing.
type PeerID string

// Broadcast is the destination sentinel for packets addressed to everyone.
const Broadcast PeerID = "*"

func (p PeerID) Valid() bool {
	if len(p) == 0 || len(p) > MaxPeerIDLen {
		return false
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

type Flags uint8

const (
	FlagChat Flags = 1 << iota
	FlagBroadcast
	FlagEmergency
)

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) String() string {
	out := ""
	add := func(s string) {
		if out != "" {
			out += "|"
		}
		out += s
	}
	if f.Has(FlagChat) {
		add("chat")
	}
	if f.Has(FlagBroadcast) {
		add("broadcast")
	}
	if f.Has(FlagEmergency) {
		add("emergency")
	}
	if out == "" {
		return "none"
	}
	return out
}

// Packet is immutable once built except for TTL, which drops by one per
// relay hop.
type Packet struct {
	ID          uuid.UUID
	Source      PeerID
	Destination PeerID
	Flags       Flags
	TTL         int
	Payload     []byte
	CreatedAt   time.Time
}

func NewPacket(src, dst PeerID, flags Flags, ttl int, payload []byte, now time.Time) (Packet, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Packet{}, err
	}
	return NewPacketWithID(id, src, dst, flags, ttl, payload, now)
}

func NewPacketWithID(id uuid.UUID, src, dst PeerID, flags Flags, ttl int, payload []byte, now time.Time) (Packet, error) {
	if !src.Valid() {
		return Packet{}, fmt.Errorf("%w: bad source %q", ErrMalformed, src)
	}
	if dst != Broadcast && !dst.Valid() {
		return Packet{}, fmt.Errorf("%w: bad destination %q", ErrMalformed, dst)
	}
	if ttl < 0 || ttl > MaxTTL {
		return Packet{}, fmt.Errorf("%w: ttl %d", ErrMalformed, ttl)
	}
	if len(payload) > MaxPayload {
		return Packet{}, fmt.Errorf("%w: payload %d bytes", ErrTooLarge, len(payload))
	}
	body := make([]byte, len(payload))
	copy(body, payload)
	return Packet{
		ID:          id,
		Source:      src,
		Destination: dst,
		Flags:       flags,
		TTL:         ttl,
		Payload:     body,
		CreatedAt:   time.UnixMilli(now.UnixMilli()),
	}, nil
}

// Relayed returns the copy a relay retransmits. ok is false when the hop
// budget is exhausted.
func (p Packet) Relayed() (Packet, bool) {
	if p.TTL <= 0 {
		return Packet{}, false
	}
	out := p
	out.TTL = p.TTL - 1
	return out, true
}

func (p Packet) IsBroadcast() bool {
	return p.Destination == Broadcast
}

type packetMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	ID           string `json:"id"`
	Src          string `json:"src"`
	Dst          string `json:"dst"`
	Flags        uint8  `json:"flags"`
	TTL          int    `json:"ttl"`
	Payload      []byte `json:"payload"`
	CreatedAt    int64  `json:"created_at"`
	Sum          string `json:"sum"`
}

func EncodePacket(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, ErrTooLarge
	}
	m := packetMsg{
		Type:         MsgTypePacket,
		ProtoVersion: ProtoVersion,
		ID:           p.ID.String(),
		Src:          string(p.Source),
		Dst:          string(p.Destination),
		Flags:        uint8(p.Flags),
		TTL:          p.TTL,
		Payload:      p.Payload,
		CreatedAt:    p.CreatedAt.UnixMilli(),
	}
	m.Sum = packetSum(p.ID, m.Src, m.Dst, m.Flags, m.TTL, m.CreatedAt, m.Payload)
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

func DecodePacket(data []byte) (Packet, error) {
	if len(data) > MaxFrameSize {
		return Packet{}, ErrTooLarge
	}
	var m packetMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type != MsgTypePacket {
		return Packet{}, fmt.Errorf("%w: unexpected msg type %q", ErrMalformed, m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion); err != nil {
		return Packet{}, err
	}
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: bad id", ErrMalformed)
	}
	src, dst := PeerID(m.Src), PeerID(m.Dst)
	if !src.Valid() || (dst != Broadcast && !dst.Valid()) {
		return Packet{}, fmt.Errorf("%w: bad address", ErrMalformed)
	}
	if m.TTL < 0 || m.TTL > MaxTTL || m.CreatedAt <= 0 {
		return Packet{}, fmt.Errorf("%w: bad header", ErrMalformed)
	}
	if len(m.Payload) > MaxPayload {
		return Packet{}, ErrTooLarge
	}
	if m.Sum != packetSum(id, m.Src, m.Dst, m.Flags, m.TTL, m.CreatedAt, m.Payload) {
		return Packet{}, ErrChecksum
	}
	return Packet{
		ID:          id,
		Source:      src,
		Destination: dst,
		Flags:       Flags(m.Flags),
		TTL:         m.TTL,
		Payload:     m.Payload,
		CreatedAt:   time.UnixMilli(m.CreatedAt),
	}, nil
}

func ValidateWireMeta(version string) error {
	if version != ProtoVersion {
		return fmt.Errorf("%w: unsupported proto_version %q", ErrMalformed, version)
	}
	return nil
}

// packetSum detects frames corrupted in transit. It is not an
// authenticator.
func packetSum(id uuid.UUID, src, dst string, flags uint8, ttl int, createdAt int64, payload []byte) string {
	buf := make([]byte, 0, 16+2+len(src)+len(dst)+1+2+8+len(payload))
	buf = append(buf, id[:]...)
	buf = append(buf, byte(len(src)))
	buf = append(buf, src...)
	buf = append(buf, byte(len(dst)))
	buf = append(buf, dst...)
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(ttl))
	buf = binary.BigEndian.AppendUint64(buf, uint64(createdAt))
	buf = append(buf, payload...)
	sum := sha3.Sum256(buf)
	return hex.EncodeToString(sum[:sumLen])
}
