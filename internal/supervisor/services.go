package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/darkden-lab/relay/internal/broker"
	"github.com/darkden-lab/relay/internal/logging"
)

// HTTPServer is the lifecycle part of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs an HTTP server as a suture service.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

func (s *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPServerService) String() string { return "http-server" }

// Consumer is the broker supervisor lifecycle.
type Consumer interface {
	Start() (broker.StartResult, error)
	Stop(ctx context.Context) error
}

// ConsumerService starts the queue consumer when the tree starts and stops it
// on shutdown. The consumer reconnects on its own once running; a failed
// first connection is returned so suture restarts the service with backoff.
type ConsumerService struct {
	consumer    Consumer
	autostart   bool
	stopTimeout time.Duration
}

func NewConsumerService(consumer Consumer, autostart bool, stopTimeout time.Duration) *ConsumerService {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &ConsumerService{consumer: consumer, autostart: autostart, stopTimeout: stopTimeout}
}

func (s *ConsumerService) Serve(ctx context.Context) error {
	if s.autostart {
		if _, err := s.consumer.Start(); err != nil {
			return err
		}
	} else {
		logging.Info().Msg("queue consumer autostart disabled; waiting for an operator start")
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	if err := s.consumer.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop consumer: %w", err)
	}
	return ctx.Err()
}

func (s *ConsumerService) String() string { return "queue-consumer" }
