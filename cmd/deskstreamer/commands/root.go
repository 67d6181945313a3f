package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "deskstreamer",
		Short: "DeskStreamer - Remote desktop video host",
		Long: `DeskStreamer captures monitors and cameras, encodes them with the codec
negotiated with its peers and delivers the frames at the pace the peers
can consume them.

Features:
  • Capture X11 monitors and v4l2 cameras
  • VP8, VP9, AV1, H.264 and H.265 through GStreamer, hardware first
  • WebSocket, WebRTC and MJPEG delivery
  • Privacy mode with exclusive viewing
  • Recording of incoming sessions
  • Reachable over TCP or a tailnet`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/deskstreamer/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
