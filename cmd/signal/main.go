package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Signal/client"
	"github.com/dkeye/Signal/config"
	"github.com/dkeye/Signal/event"
	"github.com/dkeye/Signal/session"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	c := client.New(cfg)
	if err := c.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	defer c.Disconnect()
	log.Info().Str("session_id", c.Identity().SessionID).Msg("Signal client connected")

	// Surface session-level events and lifecycle signals until interrupted.
	c.SessionEvents().On(event.Wildcard, func(ev event.Event) {
		log.Info().Str("type", ev.Type).Interface("payload", ev.Payload).Msg("event")
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			return
		case st := <-c.Status():
			if st.Expiring {
				log.Warn().Msg("credentials expiring, reauthenticate soon")
				continue
			}
			log.Info().Str("state", st.State.String()).Err(st.Err).Msg("session state")
			if st.State == session.StateDisconnected {
				return
			}
		}
	}
}
