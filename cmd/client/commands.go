package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/voice-client/internal/adapters/capture"
	router "github.com/dkeye/voice-client/internal/adapters/http"
	"github.com/dkeye/voice-client/internal/app/capability"
	"github.com/dkeye/voice-client/internal/app/orch"
	"github.com/dkeye/voice-client/internal/app/sfu"
	"github.com/dkeye/voice-client/internal/config"
	"github.com/dkeye/voice-client/internal/domain"
)

var errSessionLost = errors.New("session closed")

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	c, err := build(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	r := router.SetupRouter(ctx, cfg, router.NewAppBackend(c.orch, c.media, c.session, c.detector))
	addr := fmt.Sprintf(":%d", cfg.Control.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
		return err
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}

type joinFlags struct {
	video  bool
	audio  bool
	screen bool
	record string
}

func newJoinCmd(cfg func() *config.Config) *cobra.Command {
	var f joinFlags
	cmd := &cobra.Command{
		Use:   "join <session-id>",
		Short: "Join a session headless and publish the selected media",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := domain.ParseSessionID(args[0])
			if err != nil {
				return err
			}
			return join(cmd.Context(), cfg(), sid, f)
		},
	}
	cmd.Flags().BoolVar(&f.video, "video", false, "publish the camera")
	cmd.Flags().BoolVar(&f.audio, "audio", true, "publish the microphone")
	cmd.Flags().BoolVar(&f.screen, "screen", false, "publish the display with its audio")
	cmd.Flags().StringVar(&f.record, "record", "", "record remote tracks into this directory (default record.dir)")
	return cmd
}

func join(ctx context.Context, cfg *config.Config, sid domain.SessionID, f joinFlags) error {
	c, err := build(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	dir := f.record
	if dir == "" {
		dir = cfg.Record.Dir
	}
	if dir != "" {
		rec, err := capture.NewRecorder(dir, cfg.RTC.KeyFrameGap)
		if err != nil {
			return err
		}
		defer rec.Close()
		c.orch.OnTrackAdded(func(track *sfu.RemoteTrack, cid domain.ConsumerID, _ domain.ProducerID) {
			consumer, ok := c.session.Consumer(cid)
			if !ok {
				return
			}
			if _, err := rec.Record(consumer, track); err != nil {
				log.Warn().Err(err).Str("module", "capture").Str("consumer", string(cid)).Msg("not recording")
			}
		})
	}

	states := make(chan orch.State, 8)
	c.orch.OnStateChange(func(s orch.State) {
		select {
		case states <- s:
		default:
		}
	})

	if err := c.orch.Connect(ctx, sid); err != nil {
		return err
	}

	connected := false
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("sid", string(sid)).Msg("leaving session")
			return nil
		case s := <-states:
			switch s {
			case orch.StateConnected:
				if !connected {
					connected = true
					publish(ctx, c, f)
				}
			case orch.StateDisconnected:
				return fmt.Errorf("%s: %w", sid, errSessionLost)
			}
		}
	}
}

// publish starts the requested media; a failure of one kind leaves the others running.
func publish(ctx context.Context, c *client, f joinFlags) {
	if f.audio {
		if _, err := c.media.StartAudio(ctx); err != nil {
			log.Warn().Err(err).Msg("audio not published")
		}
	}
	if f.video {
		if _, err := c.media.StartVideo(ctx); err != nil {
			log.Warn().Err(err).Msg("video not published")
		}
	}
	if f.screen {
		if err := c.media.StartScreenShare(ctx, true); err != nil {
			log.Warn().Err(err).Msg("screen not captured")
			return
		}
		if _, err := c.media.PublishScreenShare(ctx); err != nil {
			log.Warn().Err(err).Msg("screen not published")
		}
	}
}

func newDevicesCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Report capture devices and encryption support",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := cfg()
			cipher := newCipher(c)
			defer cipher.Close()

			rep, err := capability.NewDetector(cipher, newDevices(c), c.E2EE.Mechanism).Detect(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}
