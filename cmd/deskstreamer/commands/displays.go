package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/DeskStreamer/internal/capture"
	"github.com/bryanchriswhite/DeskStreamer/internal/capture/gstcam"
	"github.com/bryanchriswhite/DeskStreamer/internal/capture/pipewire"
	"github.com/bryanchriswhite/DeskStreamer/internal/config"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/spf13/cobra"
)

var displaysCmd = &cobra.Command{
	Use:   "displays",
	Short: "List capturable monitors and cameras",
	Long: `List the monitors and cameras DeskStreamer can capture.

The index shown is the one used in service names, e.g. monitor0 or camera1.`,
	Example: `  # List displays in table format (default)
  deskstreamer displays

  # List displays in JSON format
  deskstreamer displays --format json

  # Include cameras
  deskstreamer displays --cameras`,
	RunE: runDisplays,
}

var (
	displaysFormat  string
	displaysCameras bool
)

func init() {
	rootCmd.AddCommand(displaysCmd)

	displaysCmd.Flags().StringVarP(&displaysFormat, "format", "f", "table", "output format (table or json)")
	displaysCmd.Flags().BoolVarP(&displaysCameras, "cameras", "c", false, "also list cameras")
}

type sourceEntry struct {
	Service string `json:"service"`
	video.DisplayInfo
}

func runDisplays(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()

	router := capture.NewRouter()
	defer router.Close()
	router.Register(video.SourceMonitor, pipewire.NewBackend())
	if x11, err := capture.NewX11Backend(); err == nil {
		router.Register(video.SourceMonitor, x11)
	}
	router.Register(video.SourceMonitor, capture.NewScreenshotBackend())

	sources := []video.Source{video.SourceMonitor}
	if displaysCameras {
		router.Register(video.SourceCamera, gstcam.NewBackend(cfg.Video.CameraWidth, cfg.Video.CameraHeight))
		sources = append(sources, video.SourceCamera)
	}

	var entries []sourceEntry
	for _, src := range sources {
		infos, err := router.Sources(src)
		if err != nil {
			return fmt.Errorf("failed to list %s sources: %w", src, err)
		}
		for i, info := range infos {
			entries = append(entries, sourceEntry{Service: video.ServiceName(src, i), DisplayInfo: info})
		}
	}

	switch displaysFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	case "table":
		return printDisplaysTable(entries)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", displaysFormat)
	}
}

func printDisplaysTable(entries []sourceEntry) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "SERVICE\tNAME\tGEOMETRY\tPRIMARY")
	fmt.Fprintln(w, "-------\t----\t--------\t-------")

	for _, e := range entries {
		primary := "No"
		if e.Primary {
			primary = "Yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%dx%d+%d+%d\t%s\n",
			e.Service, e.Name,
			e.Rect.Width, e.Rect.Height, e.Rect.X, e.Rect.Y,
			primary)
	}

	return nil
}
