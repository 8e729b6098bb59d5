package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rahmat-aldi/vicara/internal/signal"
)

// LinkState is the negotiation state of a Link.
// idle → offering|answering → connected → closed; nothing leaves closed.
type LinkState int

const (
	StateIdle LinkState = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrLinkClosed = errors.New("peer: link closed")
	errBadState   = errors.New("peer: unexpected link state")
)

// Link drives one remote participant's transport through negotiation.
//
// send posts a signal message on the link's behalf; the link fills Type, To
// and payload, the session controller fills From. onMedia reports inbound
// media for this remote, re-fired with a nil stream on teardown. onClosed
// fires exactly once, after resources are released.
type Link struct {
	remote   string
	tr       Transport
	send     func(signal.Message) error
	onMedia  func(remote string, s *RemoteStream)
	onClosed func(remote, reason string)

	mu     sync.Mutex
	state  LinkState
	stream *RemoteStream
}

func NewLink(
	remote string,
	tr Transport,
	send func(signal.Message) error,
	onMedia func(remote string, s *RemoteStream),
	onClosed func(remote, reason string),
) *Link {
	l := &Link{
		remote:   remote,
		tr:       tr,
		send:     send,
		onMedia:  onMedia,
		onClosed: onClosed,
		state:    StateIdle,
	}
	tr.OnLocalCandidate(l.handleLocalCandidate)
	tr.OnRemoteStream(l.handleRemoteStream)
	tr.OnStateChange(l.handleTransportState)
	return l
}

func (l *Link) Remote() string { return l.remote }

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// transition moves from one of the allowed states to next, or reports why
// it cannot.
func (l *Link) transition(next LinkState, allowed ...LinkState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return ErrLinkClosed
	}
	for _, s := range allowed {
		if l.state == s {
			l.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errBadState, l.state, next)
}

// Offer starts negotiation toward the remote: local tracks are already
// attached, so the offer reflects the intended media lines.
func (l *Link) Offer() error {
	if err := l.transition(StateOffering, StateIdle); err != nil {
		return err
	}
	desc, err := l.tr.CreateOffer()
	if err != nil {
		l.Close("negotiation-failed")
		return err
	}
	return l.post(signal.Message{Type: signal.TypeOffer, To: l.remote, SDP: &desc})
}

// HandleOffer answers an offer addressed to us.
func (l *Link) HandleOffer(offer signal.Description) error {
	if err := l.transition(StateAnswering, StateIdle); err != nil {
		return err
	}
	answer, err := l.tr.AcceptOffer(offer)
	if err != nil {
		l.Close("negotiation-failed")
		return err
	}
	return l.post(signal.Message{Type: signal.TypeAnswer, To: l.remote, SDP: &answer})
}

// HandleAnswer applies the remote's answer to our pending offer. Answers in
// any other state are stale and dropped.
func (l *Link) HandleAnswer(answer signal.Description) error {
	l.mu.Lock()
	offering := l.state == StateOffering
	l.mu.Unlock()
	if !offering {
		return nil
	}
	if err := l.tr.AcceptAnswer(answer); err != nil {
		l.Close("negotiation-failed")
		return err
	}
	return nil
}

// HandleCandidate applies a remote candidate hint. Hints are best-effort:
// on a closed link they are dropped silently.
func (l *Link) HandleCandidate(c signal.Candidate) error {
	l.mu.Lock()
	closed := l.state == StateClosed
	l.mu.Unlock()
	if closed {
		return nil
	}
	if err := l.tr.AddRemoteCandidate(c); err != nil {
		log.Warn().Str("module", "peer.link").Str("remote", l.remote).Err(err).Msg("candidate rejected")
	}
	return nil
}

func (l *Link) post(m signal.Message) error {
	if err := l.send(m); err != nil {
		log.Warn().Str("module", "peer.link").Str("remote", l.remote).
			Str("type", string(m.Type)).Err(err).Msg("signal post failed")
		return err
	}
	return nil
}

func (l *Link) handleLocalCandidate(c signal.Candidate) {
	l.mu.Lock()
	closed := l.state == StateClosed
	l.mu.Unlock()
	if closed {
		return
	}
	_ = l.post(signal.Message{Type: signal.TypeCandidate, To: l.remote, Candidate: &c})
}

func (l *Link) handleRemoteStream(s *RemoteStream) {
	l.mu.Lock()
	l.stream = s
	deliver := l.state == StateConnected && s != nil
	l.mu.Unlock()
	if deliver {
		l.onMedia(l.remote, s)
	}
}

func (l *Link) handleTransportState(ts TransportState) {
	switch ts {
	case TransportConnected:
		if err := l.transition(StateConnected, StateOffering, StateAnswering); err != nil {
			return
		}
		log.Info().Str("module", "peer.link").Str("remote", l.remote).Msg("connected")
		l.mu.Lock()
		s := l.stream
		l.mu.Unlock()
		if s != nil {
			l.onMedia(l.remote, s)
		}
	case TransportDisconnected, TransportFailed, TransportClosed:
		l.Close("transport-" + ts.String())
	}
}

// Close tears the link down: transport released, media callback re-fired
// with a nil stream, owner notified exactly once. Idempotent.
func (l *Link) Close(reason string) {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	l.stream = nil
	l.mu.Unlock()

	if err := l.tr.Close(); err != nil {
		log.Warn().Str("module", "peer.link").Str("remote", l.remote).Err(err).Msg("transport close failed")
	}
	l.onMedia(l.remote, nil)
	l.onClosed(l.remote, reason)
	log.Info().Str("module", "peer.link").Str("remote", l.remote).Str("reason", reason).Msg("closed")
}
