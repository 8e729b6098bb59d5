// A headless participant: dials a vicara server, joins a room and
// negotiates with whoever is there. Useful for soaking rooms and as the
// reference embedding of the session controller.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rahmat-aldi/vicara/internal/config"
	"github.com/rahmat-aldi/vicara/internal/logger"
	"github.com/rahmat-aldi/vicara/internal/media"
	"github.com/rahmat-aldi/vicara/internal/peer"
	"github.com/rahmat-aldi/vicara/internal/rooms"
	"github.com/rahmat-aldi/vicara/internal/session"
	"github.com/rahmat-aldi/vicara/internal/wirestore"
)

func main() {
	server := flag.String("server", "ws://localhost:8080/ws", "store gateway endpoint")
	room := flag.String("room", "", "room code to join (default: a fresh one)")
	pid := flag.String("id", "", "participant id (default: generated)")
	muted := flag.Bool("muted", false, "join with audio muted")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	roomCode := *room
	if roomCode == "" {
		roomCode = rooms.NewCode(6)
	}
	participant := *pid
	if participant == "" {
		participant = "u_" + rooms.NewCode(8)
	}

	st, err := wirestore.Dial(*server)
	if err != nil {
		log.Fatal().Err(err).Str("server", *server).Msg("cannot reach server")
	}
	defer st.Close()

	transport, err := peer.NewPionFactory(peer.PionConfig{
		STUNServers:   cfg.STUNServers,
		LoggerFactory: logger.NewPionFactory(zerolog.WarnLevel),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup failed")
	}

	var src *media.StaticSource
	ctrl := session.NewController(session.Config{
		Store:       st,
		Room:        roomCode,
		Participant: participant,
		Capture: func() (media.Source, error) {
			s, err := media.NewStaticSource()
			if err != nil {
				return nil, err
			}
			src = s
			return s, nil
		},
		Transport:          transport,
		SignalGCDelay:      cfg.SignalGCDelay,
		CandidateQueueSize: cfg.CandidateQueueSize,
	}, session.Callbacks{
		OnStatus: func(status string) {
			log.Info().Str("room", roomCode).Str("status", status).Msg("session status")
		},
		OnLocalMedia: func(media.Source) {
			log.Info().Str("room", roomCode).Msg("local media ready")
		},
		OnRemoteMedia: func(remote string, s *peer.RemoteStream) {
			if s == nil {
				log.Info().Str("remote", remote).Msg("remote media gone")
				return
			}
			log.Info().Str("remote", remote).Int("tracks", len(s.Tracks)).Msg("remote media")
		},
	})

	ctrl.Join()
	if *muted {
		ctrl.SetMuted(true)
	}
	if src != nil {
		// Synthetic frames keep the negotiated tracks carrying RTP, so
		// remote ends observe the mute gate instead of a silent track.
		go media.Feed(ctx, src)
	}
	log.Info().Str("room", roomCode).Str("participant", participant).Msg("joined, ctrl-c to leave")

	<-ctx.Done()
	ctrl.Leave("user")
	log.Info().Msg("left")
}
