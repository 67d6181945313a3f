package display

import (
	"context"
	"fmt"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/godbus/dbus/v5"
)

const (
	mutterDisplayConfigIface = "org.gnome.Mutter.DisplayConfig"
	mutterDisplayConfigPath  = "/org/gnome/Mutter/DisplayConfig"
	monitorsChangedMember    = "MonitorsChanged"
)

// WatchMonitorsChanged calls onChange for every Mutter MonitorsChanged
// signal on the session bus until ctx is done. It returns an error if the
// bus or the match rule is unavailable; callers fall back to polling.
func WatchMonitorsChanged(ctx context.Context, onChange func()) error {
	log := logger.WithComponent("display-dbus")

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}

	matchRule := fmt.Sprintf("type='signal',interface='%s',member='%s',path='%s'",
		mutterDisplayConfigIface, monitorsChangedMember, mutterDisplayConfigPath)
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		conn.Close()
		return fmt.Errorf("failed to add match rule: %w", err)
	}

	signals := make(chan *dbus.Signal, 10)
	conn.Signal(signals)

	log.Info().Msg("Watching Mutter MonitorsChanged signal")

	go func() {
		defer conn.Close()
		defer conn.RemoveSignal(signals)

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Name != mutterDisplayConfigIface+"."+monitorsChangedMember {
					continue
				}
				log.Debug().
					Str("signal_path", string(sig.Path)).
					Msg("Monitors changed")
				onChange()
			}
		}
	}()

	return nil
}
