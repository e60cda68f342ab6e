// Package voice owns the live conversation state: one session per guild,
// per-speaker capture with silence segmentation, and single-flight
// playback. The real-time channel itself is reached through the Transport
// interface; the discordbot package provides the production
// implementation.
package voice

import "context"

// ConnState is the lifecycle of a voice connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateSignalling
	StateReady
	StateDisconnected
	StateDestroyed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSignalling:
		return "signalling"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Frame is one opus packet attributed to a speaker.
type Frame struct {
	SpeakerID string
	Sequence  uint16
	Timestamp uint32
	Opus      []byte
}

// Conn is an open voice channel connection.
type Conn interface {
	// Frames delivers inbound speaker audio. Closed when the connection
	// goes away.
	Frames() <-chan Frame
	// States delivers connection state transitions, starting from
	// StateConnecting.
	States() <-chan ConnState
	// Play blocks while the wav file plays into the channel.
	Play(ctx context.Context, wavPath string) error
	// SelfID is the engine's own speaker identity, used for the
	// self-echo guard.
	SelfID() string
	Close() error
}

// Transport opens voice connections.
type Transport interface {
	Connect(ctx context.Context, guildID, channelID string) (Conn, error)
}
