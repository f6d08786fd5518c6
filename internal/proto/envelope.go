package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	MsgTypeBeacon  = "mesh_beacon"
	TypeSniffBytes = 64
)

// BeaconMsg is a link-layer sighting: it announces a peer without carrying
// any application message.
type BeaconMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	PeerID       string `json:"peer_id"`
	Signal       *int   `json:"signal,omitempty"`
}

func EncodeBeacon(id PeerID, signal *int) ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: bad beacon id %q", ErrMalformed, id)
	}
	return json.Marshal(BeaconMsg{
		Type:         MsgTypeBeacon,
		ProtoVersion: ProtoVersion,
		PeerID:       string(id),
		Signal:       signal,
	})
}

func DecodeBeacon(data []byte) (BeaconMsg, error) {
	var m BeaconMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return BeaconMsg{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type != MsgTypeBeacon {
		return BeaconMsg{}, fmt.Errorf("%w: unexpected msg type %q", ErrMalformed, m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion); err != nil {
		return BeaconMsg{}, err
	}
	if !PeerID(m.PeerID).Valid() {
		return BeaconMsg{}, fmt.Errorf("%w: bad beacon id", ErrMalformed)
	}
	return m, nil
}

// SniffType reads the "type" field from the head of a frame without
// decoding the rest of it.
func SniffType(frame []byte) (string, bool) {
	prefix := frame
	if len(prefix) > TypeSniffBytes {
		prefix = prefix[:TypeSniffBytes]
	}
	needle := []byte(`"type"`)
	idx := bytes.Index(prefix, needle)
	if idx == -1 {
		return "", false
	}
	rest := prefix[idx+len(needle):]
	colon := bytes.IndexByte(rest, ':')
	if colon == -1 {
		return "", false
	}
	rest = bytes.TrimLeft(rest[colon+1:], " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]
	end := bytes.IndexByte(rest, '"')
	if end == -1 {
		return "", false
	}
	return string(rest[:end]), true
}

// EncodeFrame length-prefixes a payload for stream transports.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrTooLarge
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size")
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}
