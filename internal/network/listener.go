// Package network opens the listener the HTTP server is reached through:
// a plain TCP port or a node on a tailnet.
package network

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/bryanchriswhite/DeskStreamer/internal/config"
	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"tailscale.com/tsnet"
)

// Listener is a net.Listener that also shuts down the tailnet node behind it
type Listener struct {
	net.Listener
	node *tsnet.Server
}

// Close closes the listener and the tailnet node, if any
func (l *Listener) Close() error {
	err := l.Listener.Close()
	if l.node != nil {
		if cerr := l.node.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Listen opens port on the listener kind selected by cfg. A tailnet node
// waits until it is connected or ctx is done.
func Listen(ctx context.Context, cfg config.NetworkConfig, port int) (*Listener, error) {
	log := logger.WithComponent("network")

	switch cfg.Listener {
	case "", config.ListenerTCP:
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
		}
		log.Info().Str("addr", ln.Addr().String()).Msg("Listening on TCP")
		return &Listener{Listener: ln}, nil

	case config.ListenerTailnet:
		if cfg.StateDir != "" {
			if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create tailnet state directory: %w", err)
			}
		}

		node := &tsnet.Server{
			Hostname:   cfg.Hostname,
			AuthKey:    cfg.AuthKey,
			ControlURL: cfg.ControlURL,
			Dir:        cfg.StateDir,
			Logf: func(format string, args ...any) {
				log.Trace().Msgf(format, args...)
			},
		}

		st, err := node.Up(ctx)
		if err != nil {
			node.Close()
			return nil, fmt.Errorf("failed to join tailnet: %w", err)
		}
		for _, ip := range st.TailscaleIPs {
			log.Info().
				Str("hostname", cfg.Hostname).
				Str("ip", ip.String()).
				Msg("Tailnet node up")
		}

		ln, err := node.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			node.Close()
			return nil, fmt.Errorf("failed to listen on tailnet port %d: %w", port, err)
		}
		return &Listener{Listener: ln, node: node}, nil

	default:
		return nil, fmt.Errorf("unknown listener %q", cfg.Listener)
	}
}
