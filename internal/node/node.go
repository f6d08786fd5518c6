// Package node owns a node's on-disk identity and the layout of its home
// directory.
package node

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"meshrelay/internal/proto"
)

const (
	identityFile  = "identity.json"
	peerIDDomain  = "meshrelay:peerid:v1"
	derivedPrefix = "n-"
	derivedHexLen = 16
)

var ErrBadName = errors.New("invalid node name")

type Identity struct {
	PeerID    proto.PeerID `json:"peer_id"`
	Seed      uuid.UUID    `json:"seed"`
	CreatedAt time.Time    `json:"created_at"`
}

// Paths is where a node keeps its state under home.
type Paths struct {
	Home         string
	Identity     string
	PointToPoint string
	Broadcast    string
	Inbox        string
	MetricsSnap  string
	DevCA        string
}

func PathsFor(home string) Paths {
	return Paths{
		Home:         home,
		Identity:     filepath.Join(home, identityFile),
		PointToPoint: filepath.Join(home, "queue_p2p.json"),
		Broadcast:    filepath.Join(home, "queue_broadcast.json"),
		Inbox:        filepath.Join(home, "inbox.jsonl"),
		MetricsSnap:  filepath.Join(home, "metrics.json"),
		DevCA:        filepath.Join(home, "devtls_ca.pem"),
	}
}

// LoadIdentity returns the identity stored under home, creating it on
// first run. A non-empty name replaces the stored peer id; otherwise the
// id is derived from a random seed and stays stable across restarts.
func LoadIdentity(home, name string) (Identity, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return Identity{}, err
	}
	if name != "" && !proto.PeerID(name).Valid() {
		return Identity{}, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	path := filepath.Join(home, identityFile)
	id, err := readIdentity(path)
	switch {
	case err == nil:
		if name == "" || proto.PeerID(name) == id.PeerID {
			return id, nil
		}
		id.PeerID = proto.PeerID(name)
	case errors.Is(err, os.ErrNotExist):
		seed, err := uuid.NewRandom()
		if err != nil {
			return Identity{}, err
		}
		id = Identity{Seed: seed, CreatedAt: time.Now().UTC()}
		if name != "" {
			id.PeerID = proto.PeerID(name)
		} else {
			id.PeerID = DerivePeerID(seed)
		}
	default:
		return Identity{}, err
	}
	if err := writeIdentity(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// ReadIdentity returns the identity stored under home without creating
// anything. A home that was never initialized yields an error matching
// os.ErrNotExist.
func ReadIdentity(home string) (Identity, error) {
	return readIdentity(filepath.Join(home, identityFile))
}

// DerivePeerID hashes the seed into a short printable id.
func DerivePeerID(seed uuid.UUID) proto.PeerID {
	buf := make([]byte, 0, len(peerIDDomain)+len(seed))
	buf = append(buf, peerIDDomain...)
	buf = append(buf, seed[:]...)
	sum := sha3.Sum256(buf)
	return proto.PeerID(derivedPrefix + hex.EncodeToString(sum[:])[:derivedHexLen])
}

func readIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if !id.PeerID.Valid() {
		return Identity{}, fmt.Errorf("%w in %s: %q", ErrBadName, path, id.PeerID)
	}
	return id, nil
}

func writeIdentity(path string, id Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
