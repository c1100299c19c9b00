// Package feed is the optional local event feed: a websocket endpoint that
// pushes every emitted ChangeEvent and open/close transition as JSON to
// subscribed consoles. It is a transport only; rendering lives in external
// UIs outside the core.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// subscriberBuffer bounds the per-subscriber queue; a consumer that falls
// behind loses messages rather than stalling the watcher.
const subscriberBuffer = 64

const shutdownTimeout = 5 * time.Second

type subscriber struct {
	ch chan []byte
}

// Broadcaster fans published payloads out to websocket subscribers.
type Broadcaster struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewBroadcaster creates an empty Broadcaster. Publish works (and is a
// cheap no-op) even when Run was never started.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Publish sends v (JSON-encoded) to every connected subscriber. Slow
// subscribers drop the message.
func (b *Broadcaster) Publish(v any) {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()

	if n == 0 {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("feed payload not encodable", slog.String("error", err.Error()))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- data:
		default:
			// Slow consumer: drop, never block the watcher.
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

// Run serves the websocket endpoint at addr (path /events) until ctx is
// cancelled.
func (b *Broadcaster) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		b.serveSubscriber(ctx, w, r)
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.ListenAndServe()
	}()

	b.logger.Info("live feed listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}

func (b *Broadcaster) serveSubscriber(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn("feed subscriber rejected", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}()

	b.logger.Debug("feed subscriber connected", slog.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case <-r.Context().Done():
			return
		case msg := <-sub.ch:
			writeCtx, cancel := context.WithTimeout(ctx, time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()

			if err != nil {
				return
			}
		}
	}
}
