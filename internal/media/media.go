// Package media models the local capture side of a session: the tracks a
// participant publishes and the toggles over them. Remote media is handled
// by the peer package.
package media

import (
	"github.com/pion/webrtc/v4"
)

// Source is a local media capture. Its tracks are attached to every peer
// transport; mute toggles gate the tracks without renegotiation.
type Source interface {
	Tracks() []webrtc.TrackLocal
	SetMuted(muted bool)
	SetCameraOff(off bool)
	Stop()
}

// CaptureFunc acquires local media for a session. An error aborts the join
// attempt; the caller may retry once a device is available.
type CaptureFunc func() (Source, error)
