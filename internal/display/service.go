package display

import (
	"context"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// DefaultPollInterval is how often the monitor list is re-enumerated
const DefaultPollInterval = 300 * time.Millisecond

// Service keeps the synced monitor list fresh and publishes it on change
type Service struct {
	enum     Enumerator
	displays *SyncedDisplays
	interval time.Duration
	publish  func([]video.DisplayInfo)
}

// NewService creates a poller; publish is called with each changed list
func NewService(enum Enumerator, displays *SyncedDisplays, interval time.Duration, publish func([]video.DisplayInfo)) *Service {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Service{
		enum:     enum,
		displays: displays,
		interval: interval,
		publish:  publish,
	}
}

// Displays returns the synced list
func (s *Service) Displays() *SyncedDisplays {
	return s.displays
}

// Refresh re-enumerates monitors into the synced list
func (s *Service) Refresh() error {
	infos, err := s.enum.Sources(video.SourceMonitor)
	if err != nil {
		return err
	}
	s.displays.Update(infos)
	return nil
}

// Check refreshes and publishes the list if it changed since last published
func (s *Service) Check() {
	if err := s.Refresh(); err != nil {
		logger.WithComponent("display").Debug().Err(err).Msg("Failed to enumerate displays")
		return
	}
	if displays, ok := s.displays.TakeUpdate(); ok {
		logger.WithComponent("display").Info().
			Int("count", len(displays)).
			Msg("Displays changed")
		if s.publish != nil {
			s.publish(displays)
		}
	}
}

// Run polls until ctx is done
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.WithComponent("display").Info().
		Dur("interval", s.interval).
		Msg("Display sync loop started")

	s.Check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check()
		}
	}
}
