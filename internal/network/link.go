// Package network provides the link layers a node can run over: an
// in-memory broadcast medium for tests and simulation, and a QUIC link
// for real hosts.
package network

import (
	"errors"

	"meshrelay/internal/proto"
)

var (
	ErrLinkDown = errors.New("link down")
	ErrClosed   = errors.New("link closed")
)

// Handlers are the callbacks a link drives. Frame receives every accepted
// raw frame; Sighting receives link-level peer discovery that carried no
// message.
type Handlers struct {
	Frame    func(frame []byte)
	Sighting func(id proto.PeerID, signal *int)
}

// Link is best-effort delivery of one frame to whoever is in range.
type Link interface {
	Send(frame []byte) error
	SetHandlers(h Handlers)
	Close() error
}
