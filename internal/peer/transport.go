// Package peer holds the per-remote-participant negotiation state machine
// and the media transport it drives.
package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/rahmat-aldi/vicara/internal/signal"
)

// TransportState is the transport's own connectivity signal, reduced to
// what the link state machine cares about.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// RemoteStream carries the media tracks received from one remote
// participant. A nil *RemoteStream in a callback means the media is gone.
type RemoteStream struct {
	Tracks []*webrtc.TrackRemote
}

// Transport is one bidirectional media transport toward a remote
// participant. Implementations are owned by exactly one Link.
type Transport interface {
	// AttachTracks adds the local media tracks. Must happen before the
	// first offer/answer so the initial description reflects them.
	AttachTracks(tracks []webrtc.TrackLocal) error

	// CreateOffer produces and applies the local offer description.
	CreateOffer() (signal.Description, error)

	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(offer signal.Description) (signal.Description, error)

	// AcceptAnswer applies the remote answer to a previously created offer.
	AcceptAnswer(answer signal.Description) error

	// AddRemoteCandidate applies a network candidate hint from the remote.
	AddRemoteCandidate(c signal.Candidate) error

	OnLocalCandidate(fn func(signal.Candidate))
	OnRemoteStream(fn func(*RemoteStream))
	OnStateChange(fn func(TransportState))

	Close() error
}

// Factory creates the transport for a new link toward remote.
type Factory func(remote string) (Transport, error)
