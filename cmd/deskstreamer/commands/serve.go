package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/api"
	"github.com/bryanchriswhite/DeskStreamer/internal/capture"
	"github.com/bryanchriswhite/DeskStreamer/internal/capture/gstcam"
	"github.com/bryanchriswhite/DeskStreamer/internal/capture/pipewire"
	"github.com/bryanchriswhite/DeskStreamer/internal/config"
	"github.com/bryanchriswhite/DeskStreamer/internal/display"
	"github.com/bryanchriswhite/DeskStreamer/internal/encoder"
	"github.com/bryanchriswhite/DeskStreamer/internal/encoder/gstenc"
	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/network"
	"github.com/bryanchriswhite/DeskStreamer/internal/pipeline"
	"github.com/bryanchriswhite/DeskStreamer/internal/privacy"
	"github.com/bryanchriswhite/DeskStreamer/internal/qos"
	"github.com/bryanchriswhite/DeskStreamer/internal/record"
	"github.com/bryanchriswhite/DeskStreamer/internal/screenshot"
	"github.com/bryanchriswhite/DeskStreamer/internal/transport"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the DeskStreamer host",
	Long: `Start capturing the configured monitors and serve them to peers.

The server provides a REST API for controlling video services, a WebSocket
and WebRTC endpoint for peers and an MJPEG stream for browsers.`,
	Example: `  # Start server on default port (8080)
  deskstreamer serve

  # Start server on custom port
  deskstreamer serve --port 9090

  # Join a tailnet instead of listening on TCP
  DESKSTREAMER_NETWORK_LISTENER=tailnet DESKSTREAMER_NETWORK_AUTH_KEY=tskey-... deskstreamer serve

  # Start with debug logging
  deskstreamer serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("codec", "", "preferred codec (vp8, vp9, av1, h264, h265, mjpeg)")
	serveCmd.Flags().Int("fps", 0, "target frames per second")
	serveCmd.Flags().Bool("record", false, "record incoming sessions")
	serveCmd.Flags().String("listener", "", "listener kind (tcp or tailnet)")

	viper.BindPFlag("video.codec", serveCmd.Flags().Lookup("codec"))
	viper.BindPFlag("video.fps", serveCmd.Flags().Lookup("fps"))
	viper.BindPFlag("record.enabled", serveCmd.Flags().Lookup("record"))
	viper.BindPFlag("network.listener", serveCmd.Flags().Lookup("listener"))
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}
	if err := configMgr.ApplyOverrides(viper.GetViper()); err != nil {
		return fmt.Errorf("invalid configuration override: %w", err)
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("serve")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("DeskStreamer starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Capture backends, first available wins: PipeWire on Wayland, then X11
	router := capture.NewRouter()
	defer router.Close()
	router.Register(video.SourceMonitor, pipewire.NewBackend())
	if x11, err := capture.NewX11Backend(); err != nil {
		log.Warn().Err(err).Msg("X11 capture unavailable, falling back to screenshots")
	} else {
		router.Register(video.SourceMonitor, x11)
	}
	router.Register(video.SourceMonitor, capture.NewScreenshotBackend())
	router.Register(video.SourceCamera, gstcam.NewBackend(cfg.Video.CameraWidth, cfg.Video.CameraHeight))

	codec, err := video.ParseCodec(cfg.Video.Codec)
	if err != nil {
		return err
	}
	negotiator := encoder.NewNegotiator(encoder.Options{
		Codec:            codec,
		PreferI444:       cfg.Video.PreferI444,
		Hardware:         cfg.Video.Hardware,
		HardwareSessions: cfg.Video.HardwareSessions,
		KeyframeInterval: cfg.Video.RecordKeyframeInterval,
		FPS:              cfg.Video.FPS,
	})
	gstenc.Register(negotiator)

	qosStore := qos.NewStore(cfg.Video.FPS, cfg.Video.Quality)
	privacyReg := privacy.NewRegistry()
	hub := transport.NewHub(nil, privacyReg)
	defer hub.Close()

	displays := display.NewService(router, display.NewSyncedDisplays(display.NewResolutions()), 0, hub.SendPeerInfo)
	go displays.Run(ctx)

	deps := pipeline.Deps{
		Capture:     router,
		Negotiator:  negotiator,
		QoS:         qosStore,
		Transport:   hub,
		Privacy:     privacyReg,
		Displays:    displays,
		Screenshots: screenshot.NewRegistry(),
	}
	if cfg.Record.Enabled {
		dir := cfg.Record.Directory
		deps.Recorders = func(service string) (record.Recorder, error) {
			return record.NewFileRecorder(dir, service)
		}
	}
	pipelines := pipeline.NewRegistry(deps, pipeline.Options{
		AckTimeout:        cfg.Video.AckTimeout,
		AckSlice:          cfg.Video.AckSlice,
		TopologyInterval:  cfg.Video.TopologyInterval,
		MaxFillerFrames:   cfg.Video.MaxFillerFrames,
		MaxEncodeFailures: cfg.Video.MaxEncodeFailures,
		CameraDevice:      cfg.Video.CameraDevice,
	})
	defer pipelines.Close()

	hub.SetAcker(pipelines)
	hub.OnSubscribe(pipelines.NotifySubscribersChanged)
	hub.OnDisconnect(func(conn video.ConnID) {
		privacyReg.Clear(conn)
	})

	if err := display.WatchMonitorsChanged(ctx, func() {
		pipelines.RefreshAll(video.SourceMonitor)
	}); err != nil {
		log.Info().Err(err).Msg("Monitor change signal unavailable, relying on polling")
	}

	ice := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, url := range cfg.ICEServers {
		ice = append(ice, webrtc.ICEServer{URLs: []string{url}})
	}

	server := api.NewServer(api.Deps{
		Pipelines:  pipelines,
		Hub:        hub,
		QoS:        qosStore,
		Negotiator: negotiator,
		Displays:   displays,
		Privacy:    privacyReg,
		Config:     configMgr,
		ICEServers: ice,
	})
	hub.OnMessage(server.HandlePeerMessage)

	for _, idx := range cfg.Monitors {
		if _, err := pipelines.Start(video.SourceMonitor, idx); err != nil {
			log.Error().Err(err).Int("index", idx).Msg("Failed to start video service")
		}
	}

	ln, err := network.Listen(ctx, cfg.Network, cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	// Start server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("listener", cfg.Network.Listener).
		Str("codec", string(codec)).
		Ints("monitors", cfg.Monitors).
		Msg("DeskStreamer is running")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info().Msg("Shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}
	// also leaves the tailnet
	ln.Close()
	return nil
}
