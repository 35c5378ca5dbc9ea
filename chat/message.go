// Package chat implements a small multi-room chat service built
// entirely on top of the gbn reliable transport and its server
// demultiplexer. It never reaches into gbn internals: it only opens
// connections, sends payloads and reacts to delivered payloads.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message is one entry in a room's broadcast history.
type Message struct {
	ID   uuid.UUID
	Room string
	From string
	Text string
	At   time.Time
}
