// Package proto defines the messages exchanged on the handover control
// channel between two generations of the proxy.
package proto

import "fmt"

// Kind identifies a control message.
type Kind string

const (
	// GiveSender predecessor -> successor: carries the successor's end of a
	// dedicated channel.
	GiveSender Kind = "give_sender"
	// Takeover successor -> predecessor: stop accepting and send live state.
	Takeover Kind = "takeover"
	// Resources predecessor -> successor: header announcing the bundle.
	Resources Kind = "resources"
	// ResourceChunk predecessor -> successor: one batch of bundle descriptors.
	ResourceChunk Kind = "resource_chunk"
	// Shutdown successor -> predecessor: handover complete, exit.
	Shutdown Kind = "shutdown"
)

// Role names a descriptor attached to a message.
type Role string

const (
	RoleChannel  Role = "channel"
	RoleListener Role = "listener"
	RoleClient   Role = "client"
	RoleUpstream Role = "upstream"
)

// Message is the JSON body of one control datagram. Roles describes the
// descriptors carried as ancillary data, in order.
type Message struct {
	Kind       Kind   `json:"kind"`
	PID        int    `json:"pid,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
	Pairs      int    `json:"pairs,omitempty"`
	Listener   bool   `json:"listener,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
	Seq        int    `json:"seq,omitempty"`
	Roles      []Role `json:"roles,omitempty"`
}

func (m Message) String() string {
	return fmt.Sprintf("%s(pid=%d gen=%d pairs=%d listener=%t chunks=%d seq=%d fds=%d)",
		m.Kind, m.PID, m.Generation, m.Pairs, m.Listener, m.Chunks, m.Seq, len(m.Roles))
}
