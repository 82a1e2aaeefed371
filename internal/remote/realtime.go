package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
)

// ChangeEvent is a server push notifying that attendance state for a
// cedula changed remotely (another device wrote, or an administrator
// edited or deleted a row).
type ChangeEvent struct {
	Cedula string `json:"cedula"`
	Kind   string `json:"kind"` // insert, update, delete
}

// ChangeHandler receives change events. Handlers must not block; they are
// called from the feed's read loop.
type ChangeHandler func(ChangeEvent)

// Feed maintains a websocket subscription to the remote change stream and
// reconnects with exponential backoff when the connection drops. It is a
// nudge channel only: the reconciliation pull remains the source of truth,
// so missed events are harmless.
type Feed struct {
	url     string
	apiKey  string
	handler ChangeHandler
	logger  *log.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewFeed builds a realtime feed against the client's endpoint.
func (c *Client) NewFeed(handler ChangeHandler, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	wsURL := strings.Replace(c.base, "http", "ws", 1) + "/realtime"
	return &Feed{
		url:     wsURL,
		apiKey:  c.apiKey,
		handler: handler,
		logger:  logger,
	}
}

// Start launches the feed's connect/read loop. Returns an error if the
// feed is already running.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return fmt.Errorf("realtime feed already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	f.running = true

	go f.run(ctx)
	return nil
}

// Stop tears down the subscription and waits for the loop to exit.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.cancel()
	done := f.done
	f.running = false
	f.mu.Unlock()

	<-done
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0 // reconnect forever

	for {
		if ctx.Err() != nil {
			return
		}
		connected := time.Now()
		err := f.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(connected) > time.Minute {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		f.logger.Printf("realtime connection lost: %v (reconnect in %v)", err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (f *Feed) readLoop(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial realtime endpoint: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if f.apiKey != "" {
		auth, _ := json.Marshal(map[string]string{"apikey": f.apiKey})
		if err := conn.Write(ctx, websocket.MessageText, auth); err != nil {
			return fmt.Errorf("failed to authenticate realtime feed: %w", err)
		}
	}

	f.logger.Printf("realtime feed connected")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.logger.Printf("ignoring malformed realtime message: %v", err)
			continue
		}
		if ev.Cedula == "" {
			continue
		}
		f.handler(ev)
	}
}
