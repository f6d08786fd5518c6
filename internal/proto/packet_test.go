package proto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPacketRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	p, err := NewPacket("node-a", Broadcast, FlagChat|FlagBroadcast, 4, []byte("hello mesh"), now)
	if err != nil {
		t.Fatalf("new packet: %v", err)
	}
	data, err := EncodePacket(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != p.ID || got.Source != p.Source || got.Destination != p.Destination {
		t.Fatalf("header mismatch: %+v vs %+v", got, p)
	}
	if got.Flags != p.Flags || got.TTL != 4 || !got.CreatedAt.Equal(p.CreatedAt) {
		t.Fatalf("meta mismatch: %+v vs %+v", got, p)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestMaxPacketFitsFrame(t *testing.T) {
	id := PeerID(strings.Repeat("x", MaxPeerIDLen))
	dst := PeerID(strings.Repeat("y", MaxPeerIDLen))
	payload := bytes.Repeat([]byte{0xff}, MaxPayload)
	p, err := NewPacket(id, dst, FlagChat|FlagBroadcast|FlagEmergency, MaxTTL, payload, time.Now())
	if err != nil {
		t.Fatalf("new packet: %v", err)
	}
	data, err := EncodePacket(p)
	if err != nil {
		t.Fatalf("encode max packet: %v", err)
	}
	if len(data) > MaxFrameSize {
		t.Fatalf("encoded %d bytes exceeds frame size %d", len(data), MaxFrameSize)
	}
}

func TestPayloadCap(t *testing.T) {
	_, err := NewPacket("a", "b", FlagChat, 1, make([]byte, MaxPayload+1), time.Now())
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestDecodeRejectsCorruptFrame(t *testing.T) {
	p, err := NewPacket("node-a", "node-b", FlagChat, 3, []byte("payload"), time.Now())
	if err != nil {
		t.Fatalf("new packet: %v", err)
	}
	data, err := EncodePacket(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tampered := bytes.Replace(data, []byte(`"ttl":3`), []byte(`"ttl":9`), 1)
	if _, err := DecodePacket(tampered); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}
	if _, err := DecodePacket([]byte(`{"type":"mesh_packet"`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if _, err := DecodePacket([]byte(`{"type":"mesh_beacon","proto_version":"0.1.0"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected type mismatch rejected, got %v", err)
	}
}

func TestRelayedDecrements(t *testing.T) {
	p, err := NewPacket("a", "b", FlagChat, 1, nil, time.Now())
	if err != nil {
		t.Fatalf("new packet: %v", err)
	}
	r, ok := p.Relayed()
	if !ok || r.TTL != 0 || p.TTL != 1 {
		t.Fatalf("expected relay copy ttl 0 and original untouched, got %d/%d ok=%v", r.TTL, p.TTL, ok)
	}
	if _, ok := r.Relayed(); ok {
		t.Fatalf("expected ttl 0 packet not relayable")
	}
}

func TestPeerIDValid(t *testing.T) {
	cases := map[PeerID]bool{
		"node-1":                        true,
		"AA:BB:CC:DD:EE:FF":             true,
		"":                              false,
		"*":                             false,
		"has space":                     false,
		PeerID(strings.Repeat("a", 33)): false,
	}
	for id, want := range cases {
		if got := id.Valid(); got != want {
			t.Fatalf("Valid(%q)=%v want %v", id, got, want)
		}
	}
}
