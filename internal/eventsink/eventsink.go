// Package eventsink implements a fire-and-forget publisher of signed Nostr
// events to a configured set of relay URLs.
//
// Publish enqueues onto a bounded channel drained by a dedicated goroutine
// per relay. Each relay connection auto-reconnects with exponential backoff
// (1s → 30s max), matching the read-side feed pattern used elsewhere in this
// codebase. The ledger is the source of truth; events are advisory, so a
// saturated queue drops the new event with a logged warning rather than
// blocking the caller.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bitcoinbank/perpengine/internal/signer"
)

const (
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	queueDefaultSize = 256
)

// Sink publishes signed events to one or more Nostr relays. Each relay gets
// its own bounded queue so a slow or disconnected relay cannot stall
// delivery to the others.
type Sink struct {
	relayURLs []string
	queues    []chan *signer.Event
	logger    *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Sink targeting relayURLs, each with its own bounded publish
// queue of queueSize (defaults to 256 if <= 0).
func New(relayURLs []string, queueSize int, logger *slog.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = queueDefaultSize
	}
	queues := make([]chan *signer.Event, len(relayURLs))
	for i := range queues {
		queues[i] = make(chan *signer.Event, queueSize)
	}
	return &Sink{
		relayURLs: relayURLs,
		queues:    queues,
		logger:    logger.With("component", "eventsink"),
	}
}

// Run starts one connection-manager goroutine per relay URL, each draining
// its own publish queue. Blocks until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i, url := range s.relayURLs {
		s.wg.Add(1)
		go s.runRelay(ctx, url, s.queues[i])
	}
	<-ctx.Done()
	s.wg.Wait()
}

// Stop signals all relay connections to shut down.
func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Publish enqueues ev for delivery to every configured relay. Non-blocking
// per relay: if a relay's queue is saturated, the event is dropped for that
// relay only and a warning is logged.
func (s *Sink) Publish(ev *signer.Event) {
	for i, q := range s.queues {
		select {
		case q <- ev:
		default:
			s.logger.Warn("publish queue full, dropping event",
				"relay", s.relayURLs[i], "kind", ev.Kind, "id", ev.ID)
		}
	}
}

func (s *Sink) runRelay(ctx context.Context, url string, queue chan *signer.Event) {
	defer s.wg.Done()
	backoff := time.Second

	for {
		err := s.connectAndPump(ctx, url, queue)
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("relay disconnected, reconnecting", "url", url, "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Sink) connectAndPump(ctx context.Context, url string, queue chan *signer.Event) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	s.logger.Info("relay connected", "url", url)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-queue:
			frame := []interface{}{"EVENT", ev}
			data, err := json.Marshal(frame)
			if err != nil {
				s.logger.Error("marshal event frame", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}
