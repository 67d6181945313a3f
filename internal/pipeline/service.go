package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/rs/zerolog"
)

// StepKind is the outcome of one loop iteration
type StepKind int

const (
	Continue StepKind = iota
	Restart
	Fatal
)

func (k StepKind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Restart:
		return "restart"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("step(%d)", int(k))
	}
}

// Step tells the driver what to do after an iteration. Reason names the
// restart cause; Err is set for Fatal.
type Step struct {
	Kind   StepKind
	Reason string
	Err    error
}

func proceed() Step {
	return Step{Kind: Continue}
}

func restart(reason string) Step {
	return Step{Kind: Restart, Reason: reason}
}

func fatal(err error) Step {
	return Step{Kind: Fatal, Err: err}
}

// State is the lifecycle state of a service
type State int

const (
	StateStarting State = iota
	StateRunning
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Service is the running loop of one (source, index) pair
type Service struct {
	reg    *Registry
	source video.Source
	index  int
	name   string
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    State
	err      error
	restarts int
}

func newService(r *Registry, src video.Source, index int) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	name := video.ServiceName(src, index)
	return &Service{
		reg:    r,
		source: src,
		index:  index,
		name:   name,
		log:    *logger.WithService("video", name),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *Service) Name() string         { return s.name }
func (s *Service) Source() video.Source { return s.source }
func (s *Service) Index() int           { return s.index }

// Done is closed once the loop released everything and exited
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal error that ended the service, nil on a clean stop
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Restarts returns how many epochs ended with a restart
func (s *Service) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Stop marks the service not alive. An in-progress wait returns within
// the acknowledgment timeout.
func (s *Service) Stop() {
	s.cancel()
}

func (s *Service) alive() bool {
	return s.ctx.Err() == nil
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// run drives epochs until the service is stopped or an epoch fails
func (s *Service) run() {
	defer close(s.done)
	s.log.Info().Msg("new video service")

	for s.alive() {
		s.setState(StateStarting)
		step := s.epoch()

		if step.Kind == Fatal {
			s.mu.Lock()
			s.err = step.Err
			s.mu.Unlock()
			s.log.Error().Err(step.Err).Msg("Video service failed")
			break
		}
		if step.Kind == Restart && s.alive() {
			s.mu.Lock()
			s.restarts++
			s.state = StateRestarting
			s.mu.Unlock()
			s.log.Info().Str("reason", step.Reason).Msg("Restarting video service")
		}
	}

	s.setState(StateStopped)
	s.log.Info().Msg("stop video service")
}

// epoch runs one acquisition until it must restart or stop. The release of
// everything acquired runs on every exit path, panics included.
func (s *Service) epoch() (step Step) {
	e := &epoch{svc: s, reg: s.reg, opts: s.reg.opts}
	defer func() {
		if p := recover(); p != nil {
			step = fatal(fmt.Errorf("video service panicked: %v", p))
		}
		e.release()
	}()

	if err := e.start(); err != nil {
		return fatal(err)
	}
	s.setState(StateRunning)

	for s.alive() {
		step = e.iterate()
		if step.Kind != Continue {
			return step
		}
	}
	return proceed()
}
