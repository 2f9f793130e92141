package call

import (
	"context"
	"encoding/json"
)

// The media layer is a collaborator: codec negotiation and ICE belong to the
// peer-connection library behind these interfaces, not to this package.

// Track is one local media track. Stop releases the underlying device.
type Track interface {
	Stop()
}

// MediaStream bundles the tracks of one capture or one remote feed.
type MediaStream interface {
	Tracks() []Track
}

// MediaDevices acquires the local camera/microphone stream.
type MediaDevices interface {
	GetUserMedia(ctx context.Context) (MediaStream, error)
}

// PeerConfig mirrors the peer library's constructor options.
type PeerConfig struct {
	Initiator bool
	Trickle   bool
	Stream    MediaStream
}

// PeerConnection is the signaling surface of one peer-to-peer connection.
// Callbacks are registered once, right after construction.
type PeerConnection interface {
	// Signal feeds a remote offer or answer payload into the connection.
	Signal(data json.RawMessage) error
	// Destroy tears the connection down; the close callback fires.
	Destroy()

	OnSignal(func(data json.RawMessage))
	OnStream(func(remote MediaStream))
	OnClose(func())
}

// PeerFactory constructs a PeerConnection.
type PeerFactory func(cfg PeerConfig) (PeerConnection, error)

func stopTracks(s MediaStream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
