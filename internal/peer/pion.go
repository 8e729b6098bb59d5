package peer

import (
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/rahmat-aldi/vicara/internal/signal"
)

// PionConfig configures the shared WebRTC API behind every transport.
type PionConfig struct {
	// STUNServers are the network reflection/relay endpoints, e.g.
	// "stun:stun.l.google.com:19302".
	STUNServers []string

	// LoggerFactory routes pion's internal logs; nil keeps pion's default.
	LoggerFactory logging.LoggerFactory
}

// NewPionFactory builds the API once so misconfiguration surfaces at
// startup, then hands out one PeerConnection-backed Transport per link.
func NewPionFactory(cfg PionConfig) (Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))

	rtcCfg := webrtc.Configuration{}
	if len(cfg.STUNServers) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}

	return func(remote string) (Transport, error) {
		pc, err := api.NewPeerConnection(rtcCfg)
		if err != nil {
			return nil, err
		}
		t := &pionTransport{pc: pc}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			if fn := t.localCandidateFn(); fn != nil {
				fn(signal.CandidateFromPion(c.ToJSON()))
			}
		})
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			s := t.addRemoteTrack(track)
			if fn := t.remoteStreamFn(); fn != nil {
				fn(s)
			}
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if fn := t.stateFn(); fn != nil {
				fn(mapPeerConnectionState(s))
			}
		})
		return t, nil
	}, nil
}

type pionTransport struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	stream   *RemoteStream
	onCand   func(signal.Candidate)
	onStream func(*RemoteStream)
	onState  func(TransportState)
}

func (t *pionTransport) localCandidateFn() func(signal.Candidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onCand
}

func (t *pionTransport) remoteStreamFn() func(*RemoteStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onStream
}

func (t *pionTransport) stateFn() func(TransportState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onState
}

func (t *pionTransport) addRemoteTrack(track *webrtc.TrackRemote) *RemoteStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream == nil {
		t.stream = &RemoteStream{}
	}
	t.stream.Tracks = append(t.stream.Tracks, track)
	s := &RemoteStream{Tracks: append([]*webrtc.TrackRemote(nil), t.stream.Tracks...)}
	return s
}

func (t *pionTransport) AttachTracks(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		if _, err := t.pc.AddTrack(track); err != nil {
			return err
		}
	}
	return nil
}

func (t *pionTransport) CreateOffer() (signal.Description, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return signal.Description{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return signal.Description{}, err
	}
	return signal.DescriptionFromPion(offer), nil
}

func (t *pionTransport) AcceptOffer(offer signal.Description) (signal.Description, error) {
	desc, err := offer.ToPion()
	if err != nil {
		return signal.Description{}, err
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return signal.Description{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return signal.Description{}, err
	}
	return signal.DescriptionFromPion(answer), nil
}

func (t *pionTransport) AcceptAnswer(answer signal.Description) error {
	desc, err := answer.ToPion()
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) AddRemoteCandidate(c signal.Candidate) error {
	return t.pc.AddICECandidate(c.ToPion())
}

func (t *pionTransport) OnLocalCandidate(fn func(signal.Candidate)) {
	t.mu.Lock()
	t.onCand = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnRemoteStream(fn func(*RemoteStream)) {
	t.mu.Lock()
	t.onStream = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

func mapPeerConnectionState(s webrtc.PeerConnectionState) TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed
	}
	return TransportNew
}
