// Command agent is a headless participant. It connects to a callhub server
// with synthetic capture devices and can place a call, join a room and
// auto-answer invites.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/callhub/internal/adapters/rtc"
	"github.com/dkeye/callhub/internal/adapters/wsclient"
	"github.com/dkeye/callhub/internal/agent"
	"github.com/dkeye/callhub/internal/call"
	"github.com/dkeye/callhub/internal/config"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/dkeye/callhub/internal/mesh"
	"github.com/dkeye/callhub/internal/quality"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	// an empty id gets a random one
	self, err := domain.NewParticipant(domain.UserID(cfg.Agent.ID), cfg.Agent.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid agent identity")
	}
	kind, err := domain.ParseMediaKind(cfg.Agent.Media)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid agent media")
	}

	transports, err := rtc.NewFactory(rtc.Config(cfg.ICEServers))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up media engine")
	}

	client, err := wsclient.Dial(ctx, cfg.Agent.ServerURL, self.ID, self.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}

	a := agent.New(agent.Config{
		Self:            *self,
		Signal:          client,
		Devices:         rtc.NewSyntheticDevices(),
		Transports:      transports,
		RingTimeout:     cfg.Call.RingTimeout,
		AutoAccept:      cfg.Agent.AutoAccept,
		QualityInterval: cfg.Quality.Interval,
		Thresholds:      quality.Thresholds{MaxRTT: cfg.Quality.MaxRTT, MaxLoss: cfg.Quality.MaxLoss},
		Hooks:           hooks(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx, a.Handle)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		client.Close()
		return nil
	})

	switch {
	case cfg.Agent.Dial != "":
		if _, err := a.Invite(gctx, domain.UserID(cfg.Agent.Dial), kind); err != nil {
			log.Error().Err(err).Str("to", cfg.Agent.Dial).Msg("invite failed")
		}
	case cfg.Agent.Room != "":
		if _, err := a.JoinGroup(gctx, domain.RoomID(cfg.Agent.Room), kind); err != nil {
			log.Error().Err(err).Str("room", cfg.Agent.Room).Msg("join failed")
		}
	default:
		log.Info().Str("user", string(self.ID)).Msg("waiting for invites")
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("agent stopped")
		os.Exit(1)
	}
	log.Info().Msg("agent exited")
}

func hooks() agent.Hooks {
	return agent.Hooks{
		OnCall: func(e call.Event) {
			log.Info().
				Str("module", "ui").
				Str("call", e.CallID).
				Str("remote", string(e.Remote)).
				Str("direction", e.Direction.String()).
				Str("state", e.State.String()).
				Str("reason", e.Reason).
				Msg("call")
		},
		OnGroup: func(e mesh.Event) {
			log.Info().
				Str("module", "ui").
				Str("room", string(e.Room)).
				Str("kind", e.Kind.String()).
				Str("state", e.State.String()).
				Str("member", string(e.Member)).
				Bool("flag", e.Flag).
				Str("reason", e.Reason).
				Msg("group")
		},
		OnQuality: func(key string, s quality.Sample) {
			log.Debug().
				Str("module", "ui").
				Str("peer", key).
				Float64("rtt_ms", s.RoundTripMs).
				Int64("lost", s.PacketsLost).
				Float64("kbps", s.BitrateKbps).
				Str("grade", s.Grade.String()).
				Bool("healthy", s.IsHealthy).
				Msg("quality")
		},
	}
}
