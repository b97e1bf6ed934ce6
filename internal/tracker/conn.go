package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/0xPuncker/reelforge/internal/events"
	"github.com/sirupsen/logrus"
)

// connectLocked starts the shared connection loop once.
func (t *Tracker) connectLocked() {
	if t.stopConn != nil || t.closed || t.opts.EventsURL == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.stopConn = cancel

	t.wg.Add(1)
	go t.connLoop(ctx)
}

// connLoop keeps the stream open, reconnecting after ReconnectDelay. Losing
// the connection never fails a tracked run.
func (t *Tracker) connLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		err := t.stream(ctx)
		if ctx.Err() != nil {
			return
		}

		t.logger.WithFields(logrus.Fields{
			"error": err.Error(),
			"retry": t.opts.ReconnectDelay.String(),
		}).Warn("Event stream disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.opts.ReconnectDelay):
		}
	}
}

func (t *Tracker) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.opts.EventsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	reconnected := t.setConnected(true)
	defer t.setConnected(false)
	t.logger.WithFields(logrus.Fields{
		"url":         t.opts.EventsURL,
		"reconnected": reconnected,
	}).Debug("Event stream connected")
	if reconnected {
		t.reconcileAll()
	}

	dec := events.NewDecoder(resp.Body)
	for {
		frame, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return errors.New("event stream closed by server")
		}
		if err != nil {
			return fmt.Errorf("read event stream: %w", err)
		}

		ev, err := events.ParseEvent(frame)
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"event": frame.Event,
				"error": err.Error(),
			}).Warn("Dropping malformed event")
			continue
		}
		t.handle(ev)
	}
}

// setConnected records the connection state. It reports true when v opens a
// stream after an earlier one was lost.
func (t *Tracker) setConnected(v bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = v
	if !v {
		return false
	}
	t.streams++
	return t.streams > 1
}
