package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/darkden-lab/relay/internal/logging"
	"github.com/darkden-lab/relay/internal/metrics"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateNotRunning State = "not_running"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateFailed     State = "failed"
)

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	State           State      `json:"state"`
	Running         bool       `json:"running"`
	LastError       string     `json:"last_error,omitempty"`
	Reconnects      int        `json:"reconnects"`
	TotalReconnects int        `json:"total_reconnects"`
	Queue           string     `json:"queue"`
	Transport       string     `json:"transport"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
}

// StartResult reports whether Start found the consumer already active.
type StartResult struct {
	AlreadyRunning bool   `json:"already_running"`
	Status         Status `json:"status"`
}

// Options tunes a Supervisor.
type Options struct {
	Queue         string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Supervisor owns the queue consumer: start, status, reconnect and stop.
type Supervisor struct {
	transport Transport
	handler   Handler
	opts      Options
	logger    zerolog.Logger

	// sleep waits d or until ctx ends; false means ctx ended.
	sleep func(ctx context.Context, d time.Duration) bool

	mu              sync.Mutex
	state           State
	lastErr         error
	reconnects      int
	totalReconnects int
	// failures counts consecutive lost sessions and failed dials. Only a
	// settled (acked or rejected) message resets it, so a message that keeps
	// failing backs off like an unreachable broker.
	failures        int
	startedAt       time.Time
	cancel          context.CancelFunc
	done            chan struct{}
}

func NewSupervisor(transport Transport, handler Handler, opts Options) *Supervisor {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectBase {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Supervisor{
		transport: transport,
		handler:   handler,
		opts:      opts,
		state:     StateNotRunning,
		sleep:     sleepCtx,
		logger: logging.With().
			Str("component", "broker").
			Str("transport", transport.Name()).
			Str("queue", opts.Queue).
			Logger(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Start opens the consumer session. It is idempotent: while starting or
// running it returns AlreadyRunning and does nothing. A failed first
// connection leaves the state failed and returns the error.
func (s *Supervisor) Start() (StartResult, error) {
	s.mu.Lock()
	if s.state == StateStarting || s.state == StateRunning {
		st := s.statusLocked()
		s.mu.Unlock()
		return StartResult{AlreadyRunning: true, Status: st}, nil
	}
	s.state = StateStarting
	s.mu.Unlock()

	s.logger.Info().Msg("starting queue consumer")

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := s.transport.Open(ctx, s.opts.Queue)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.state = StateFailed
		s.lastErr = err
		st := s.statusLocked()
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("queue consumer failed to start")
		return StartResult{Status: st}, fmt.Errorf("start consumer: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.state = StateRunning
	s.lastErr = nil
	s.reconnects = 0
	s.failures = 0
	s.startedAt = time.Now()
	s.cancel = cancel
	s.done = done
	st := s.statusLocked()
	s.mu.Unlock()

	metrics.BrokerRunning.Set(1)
	s.logger.Info().Msg("queue consumer running")

	go s.run(ctx, sess, done)
	return StartResult{Status: st}, nil
}

func (s *Supervisor) run(ctx context.Context, sess Session, done chan struct{}) {
	defer close(done)
	for {
		err := sess.Serve(ctx, s.handle)
		if cerr := sess.Close(); cerr != nil {
			s.logger.Debug().Err(cerr).Msg("session close")
		}
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		s.state = StateStarting
		s.lastErr = err
		s.mu.Unlock()
		metrics.BrokerRunning.Set(0)
		s.logger.Warn().Err(err).Msg("consumer session lost")

		sess = s.reconnect(ctx)
		if sess == nil {
			return
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, body []byte) error {
	err := s.handler(ctx, body)
	if err == nil || errors.Is(err, ErrMalformed) {
		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
	}
	return err
}

// reconnect retries Open with exponential backoff until it succeeds or ctx
// ends (nil). The delay grows with consecutive failures across sessions.
func (s *Supervisor) reconnect(ctx context.Context) Session {
	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		s.failures++
		failures := s.failures
		s.reconnects = attempt
		s.totalReconnects++
		s.mu.Unlock()
		metrics.BrokerReconnects.Inc()

		delay := Backoff(failures, s.opts.ReconnectBase, s.opts.ReconnectMax)
		s.logger.Info().
			Int("attempt", attempt).
			Int("consecutive_failures", failures).
			Dur("delay", delay).
			Msg("reconnecting")
		if !s.sleep(ctx, delay) {
			return nil
		}

		sess, err := s.transport.Open(ctx, s.opts.Queue)
		if err != nil {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}

		s.mu.Lock()
		s.state = StateRunning
		s.reconnects = 0
		s.mu.Unlock()
		metrics.BrokerRunning.Set(1)
		s.logger.Info().Int("attempt", attempt).Msg("reconnected")
		return sess
	}
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Status {
	st := Status{
		State:           s.state,
		Running:         s.state == StateRunning,
		Reconnects:      s.reconnects,
		TotalReconnects: s.totalReconnects,
		Queue:           s.opts.Queue,
		Transport:       s.transport.Name(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	return st
}

// Publish JSON-encodes payload and sends it to queue, or to the consumed
// queue when queue is empty. It does not retry.
func (s *Supervisor) Publish(ctx context.Context, queue string, payload interface{}) error {
	if queue == "" {
		queue = s.opts.Queue
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.transport.Publish(ctx, queue, body); err != nil {
		return err
	}
	s.logger.Debug().Str("target", queue).Int("bytes", len(body)).Msg("published")
	return nil
}

// Stop ends the consumer loop and waits for it to exit or ctx to end.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.state = StateNotRunning
	s.mu.Unlock()
	metrics.BrokerRunning.Set(0)
	s.logger.Info().Msg("queue consumer stopped")
	return nil
}

// Close stops the consumer and releases the transport.
func (s *Supervisor) Close(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.transport.Close()
}
