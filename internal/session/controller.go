// Package session drives one participant's lifecycle in a room: membership,
// signal exchange, peer links, and local media, composed over the store.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rahmat-aldi/vicara/internal/media"
	"github.com/rahmat-aldi/vicara/internal/peer"
	"github.com/rahmat-aldi/vicara/internal/rooms"
	"github.com/rahmat-aldi/vicara/internal/signal"
	"github.com/rahmat-aldi/vicara/internal/store"
)

// Session status strings surfaced through Callbacks.OnStatus.
const (
	StatusJoined      = "joined"
	StatusMediaError  = "media-error"
	StatusRoomDeleted = "room-deleted"
	statusLeftPrefix  = "left:"
)

const DefaultSignalGCDelay = 1500 * time.Millisecond

// Config wires a Controller. Store, Room, Participant and Transport are
// required; Capture is optional, a participant without it joins receive-only.
type Config struct {
	Store       store.Store
	Room        string
	Participant string
	Capture     media.CaptureFunc
	Transport   peer.Factory

	// SignalGCDelay is how long a processed signal message stays in the
	// channel before removal, so other subscribers can still read it.
	SignalGCDelay time.Duration

	// CandidateQueueSize bounds the per-remote buffer for candidate hints
	// that arrive before their link exists.
	CandidateQueueSize int
}

// Callbacks are the controller's outward surface. They are invoked from the
// store's delivery goroutine and must not call back into the Controller.
type Callbacks struct {
	OnStatus     func(status string)
	OnLocalMedia func(src media.Source)

	// OnRemoteMedia reports remote media arriving (non-nil stream) and
	// going away (nil stream) per remote participant.
	OnRemoteMedia func(remote string, s *peer.RemoteStream)
}

// Controller is one participant's session. Join starts it, Leave ends it;
// everything in between reacts to signal messages and store watches.
type Controller struct {
	cfg Config
	cb  Callbacks

	ch      *signal.Channel
	reg     *rooms.Registry
	links   *peer.Registry
	janitor *Janitor

	mu     sync.Mutex
	src    media.Source
	stops  []store.StopFunc
	joined bool
	left   bool

	// announceKey is the channel entry key of our own presence-announce.
	// Presences with earlier keys come from participants established before
	// us; they initiate, we do not.
	announceKey string
}

func NewController(cfg Config, cb Callbacks) *Controller {
	if cfg.SignalGCDelay <= 0 {
		cfg.SignalGCDelay = DefaultSignalGCDelay
	}
	ch := signal.NewChannel(cfg.Store)
	return &Controller{
		cfg:     cfg,
		cb:      cb,
		ch:      ch,
		reg:     rooms.NewRegistry(cfg.Store, ch),
		links:   peer.NewRegistry(cfg.CandidateQueueSize),
		janitor: NewJanitor(),
	}
}

// Join enters the room: capture local media, publish membership, subscribe
// to the signal channel and announce presence. A capture failure is terminal
// for the attempt: media-error is the only status emitted, no membership is
// written and no presence announced. The controller stays re-joinable so the
// user can retry once the device is available.
func (c *Controller) Join() {
	c.mu.Lock()
	if c.joined || c.left {
		c.mu.Unlock()
		return
	}

	if c.cfg.Capture != nil {
		src, err := c.cfg.Capture()
		if err != nil {
			log.Warn().Str("module", "session").Str("room", c.cfg.Room).
				Err(err).Msg("media capture failed, join aborted")
			c.emitStatus(StatusMediaError)
			c.mu.Unlock()
			return
		}
		c.src = src
		if c.cb.OnLocalMedia != nil {
			c.cb.OnLocalMedia(src)
		}
	}
	c.joined = true

	c.reg.Join(c.cfg.Room, c.cfg.Participant)

	stop, err := c.ch.Subscribe(c.cfg.Room, c.cfg.Participant, c.handleMessage)
	if err != nil {
		log.Error().Str("module", "session").Str("room", c.cfg.Room).Err(err).Msg("signal subscribe failed")
	} else {
		c.stops = append(c.stops, stop)
	}

	stop, err = c.reg.WatchMembersRemoved(c.cfg.Room, c.handleMemberGone)
	if err != nil {
		log.Error().Str("module", "session").Str("room", c.cfg.Room).Err(err).Msg("member watch failed")
	} else {
		c.stops = append(c.stops, stop)
	}

	stop, err = c.reg.WatchRoomGone(c.cfg.Room, c.handleRoomGone)
	if err != nil {
		log.Error().Str("module", "session").Str("room", c.cfg.Room).Err(err).Msg("room watch failed")
	} else {
		c.stops = append(c.stops, stop)
	}

	// Announced while still holding the lock: no message is dispatched until
	// our own announce key is known, so backlog presences are classified
	// correctly.
	key, err := c.ch.Post(c.cfg.Room, signal.Message{Type: signal.TypePresence, From: c.cfg.Participant})
	if err != nil {
		log.Warn().Str("module", "session").Str("room", c.cfg.Room).Err(err).Msg("presence post failed")
	}
	c.announceKey = key
	c.mu.Unlock()

	c.emitStatus(StatusJoined)
	log.Info().Str("module", "session").Str("room", c.cfg.Room).
		Str("participant", c.cfg.Participant).Msg("joined")
}

// Leave tears the session down: links closed, media stopped, membership
// removed, watches and pending cleanups cancelled. Calling it again only
// re-emits the status.
func (c *Controller) Leave(reason string) {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		c.emitStatus(statusLeftPrefix + reason)
		return
	}
	c.left = true
	c.teardownLocked()
	c.reg.Leave(c.cfg.Room, c.cfg.Participant)
	c.mu.Unlock()

	c.emitStatus(statusLeftPrefix + reason)
	log.Info().Str("module", "session").Str("room", c.cfg.Room).
		Str("reason", reason).Msg("left")
}

// SetMuted toggles the local audio gate. A no-op without captured media.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	src := c.src
	c.mu.Unlock()
	if src != nil {
		src.SetMuted(muted)
	}
}

// SetCameraOff toggles the local video gate. A no-op without captured media.
func (c *Controller) SetCameraOff(off bool) {
	c.mu.Lock()
	src := c.src
	c.mu.Unlock()
	if src != nil {
		src.SetCameraOff(off)
	}
}

// Links reports how many peer links are currently held.
func (c *Controller) Links() int { return c.links.Len() }

// teardownLocked releases everything except room membership. Caller holds
// c.mu.
func (c *Controller) teardownLocked() {
	for _, l := range c.links.Snapshot() {
		l.Close("session-closed")
	}
	if c.src != nil {
		c.src.Stop()
		c.src = nil
	}
	for _, stop := range c.stops {
		stop()
	}
	c.stops = nil
	c.janitor.CancelAll()
}

func (c *Controller) emitStatus(status string) {
	if c.cb.OnStatus != nil {
		c.cb.OnStatus(status)
	}
}

// handleMessage dispatches one signal message addressed to (or broadcast
// at) this participant. Processed messages are garbage-collected after a
// delay; the room-deleted broadcast is left for other members to see.
func (c *Controller) handleMessage(m signal.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return
	}

	switch m.Type {
	case signal.TypePresence:
		c.handlePresence(m)
	case signal.TypeOffer:
		c.handleOffer(m)
	case signal.TypeAnswer:
		c.handleAnswer(m)
	case signal.TypeCandidate:
		c.handleCandidate(m)
	case signal.TypeRoomDeleted:
		c.roomDeletedLocked()
		return
	default:
		log.Warn().Str("module", "session").Str("type", string(m.Type)).Msg("unknown signal type")
	}

	if m.Key != "" {
		key := m.Key
		c.janitor.After(c.cfg.SignalGCDelay, func() {
			if err := c.ch.Remove(c.cfg.Room, key); err != nil {
				log.Debug().Str("module", "session").Str("key", key).Err(err).Msg("signal gc failed")
			}
		})
	}
}

// handlePresence reacts to a newcomer's announcement: the established side
// initiates, so exactly one offer exists per pair. Which side is established
// is decided by the channel's append order: we offer only to participants
// who announced after us. A presence with an earlier key is a backlog
// leftover from someone who will offer to us once they see our announce.
// An announcement from a remote we already link with is a duplicate.
func (c *Controller) handlePresence(m signal.Message) {
	if c.announceKey == "" || m.Key <= c.announceKey {
		return
	}
	if _, ok := c.links.Get(m.From); ok {
		return
	}
	l, _, buffered, err := c.links.GetOrCreate(m.From, func() (*peer.Link, error) {
		return c.buildLink(m.From)
	})
	if err != nil {
		log.Error().Str("module", "session").Str("remote", m.From).Err(err).Msg("link build failed")
		return
	}
	if err := l.Offer(); err != nil {
		log.Warn().Str("module", "session").Str("remote", m.From).Err(err).Msg("offer failed")
		return
	}
	c.replay(l, buffered)
}

func (c *Controller) handleOffer(m signal.Message) {
	if m.SDP == nil {
		return
	}
	l, _, buffered, err := c.links.GetOrCreate(m.From, func() (*peer.Link, error) {
		return c.buildLink(m.From)
	})
	if err != nil {
		log.Error().Str("module", "session").Str("remote", m.From).Err(err).Msg("link build failed")
		return
	}
	if err := l.HandleOffer(*m.SDP); err != nil {
		log.Warn().Str("module", "session").Str("remote", m.From).Err(err).Msg("offer rejected")
		return
	}
	c.replay(l, buffered)
}

// handleAnswer applies an answer to an existing link. An answer with no
// link is stale, a leftover from a peer that negotiated with a previous
// incarnation of this participant.
func (c *Controller) handleAnswer(m signal.Message) {
	if m.SDP == nil {
		return
	}
	l, ok := c.links.Get(m.From)
	if !ok {
		log.Debug().Str("module", "session").Str("remote", m.From).Msg("answer without link, dropped")
		return
	}
	if err := l.HandleAnswer(*m.SDP); err != nil {
		log.Warn().Str("module", "session").Str("remote", m.From).Err(err).Msg("answer rejected")
	}
}

// handleCandidate forwards a hint to its link, or buffers it when the
// link's offer has not arrived yet.
func (c *Controller) handleCandidate(m signal.Message) {
	if m.Candidate == nil {
		return
	}
	if l, ok := c.links.Get(m.From); ok {
		_ = l.HandleCandidate(*m.Candidate)
		return
	}
	c.links.BufferCandidate(m.From, *m.Candidate)
}

// handleMemberGone closes the link to a participant whose membership record
// disappeared, whether by a clean leave or a connection loss.
func (c *Controller) handleMemberGone(participant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left || participant == c.cfg.Participant {
		return
	}
	if l, ok := c.links.Get(participant); ok {
		l.Close("peer-left")
	}
}

func (c *Controller) handleRoomGone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomDeletedLocked()
}

// roomDeletedLocked handles the room disappearing under us, via either the
// broadcast or the record watch, whichever lands first.
func (c *Controller) roomDeletedLocked() {
	if c.left {
		return
	}
	c.left = true
	c.teardownLocked()
	c.emitStatus(StatusRoomDeleted)
	c.emitStatus(statusLeftPrefix + "room-deleted")
	log.Info().Str("module", "session").Str("room", c.cfg.Room).Msg("room deleted")
}

// buildLink constructs the transport and link for one remote. Local tracks
// are attached before any negotiation so the SDP covers them.
func (c *Controller) buildLink(remote string) (*peer.Link, error) {
	tr, err := c.cfg.Transport(remote)
	if err != nil {
		return nil, fmt.Errorf("session: transport for %s: %w", remote, err)
	}
	if c.src != nil {
		if err := tr.AttachTracks(c.src.Tracks()); err != nil {
			_ = tr.Close()
			return nil, fmt.Errorf("session: attach tracks: %w", err)
		}
	}
	send := func(m signal.Message) error {
		m.From = c.cfg.Participant
		_, err := c.ch.Post(c.cfg.Room, m)
		return err
	}
	onMedia := func(remote string, s *peer.RemoteStream) {
		if c.cb.OnRemoteMedia != nil {
			c.cb.OnRemoteMedia(remote, s)
		}
	}
	onClosed := func(remote, reason string) {
		c.links.Forget(remote)
	}
	return peer.NewLink(remote, tr, send, onMedia, onClosed), nil
}

func (c *Controller) replay(l *peer.Link, buffered []signal.Candidate) {
	for _, cand := range buffered {
		_ = l.HandleCandidate(cand)
	}
}
