package store

import (
	"sync"
	"time"
)

// InboxRecord is one message delivered to this node.
type InboxRecord struct {
	ID          string    `json:"id"`
	Source      string    `json:"src"`
	Destination string    `json:"dst"`
	Flags       string    `json:"flags"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Inbox is the rotated append-only history of delivered messages.
type Inbox struct {
	mu   sync.Mutex
	path string
}

func NewInbox(path string) *Inbox {
	return &Inbox{path: path}
}

func (b *Inbox) Append(rec InboxRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return AppendJSONL(b.path, rec)
}

// List returns up to limit of the most recent records, oldest first.
// limit <= 0 returns everything still on disk.
func (b *Inbox) List(limit int) ([]InboxRecord, error) {
	b.mu.Lock()
	recs, err := ReadJSONL[InboxRecord](b.path)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}
