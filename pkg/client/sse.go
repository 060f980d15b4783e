package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/filedeck/filedeck/internal/logging"
	"github.com/filedeck/filedeck/pkg/protocol"
)

// SSEClient follows the gateway's change stream, reconnecting with backoff.
type SSEClient struct {
	baseURL      string
	httpClient   *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration
	mu           sync.RWMutex
	authToken    string
}

// NewSSEClient creates a new SSE client.
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // streams stay open
		},
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}
}

// SetAuthToken sets the bearer token for SSE requests.
func (c *SSEClient) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// SetReconnect overrides the reconnect backoff bounds.
func (c *SSEClient) SetReconnect(min, max time.Duration) {
	c.reconnectMin = min
	c.reconnectMax = max
}

// Subscribe connects to the event stream and returns a channel of events.
// The channel is closed once ctx is done.
func (c *SSEClient) Subscribe(ctx context.Context) <-chan protocol.Event {
	events := make(chan protocol.Event, 100)
	go c.subscribeLoop(ctx, events)
	return events
}

func (c *SSEClient) subscribeLoop(ctx context.Context, events chan<- protocol.Event) {
	defer close(events)

	reconnectDelay := c.reconnectMin
	for {
		err := c.connect(ctx, events)
		if ctx.Err() != nil {
			return
		}
		logging.Warn("event stream disconnected",
			logging.Err(err),
			logging.Duration("reconnect_in", reconnectDelay),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		reconnectDelay *= 2
		if reconnectDelay > c.reconnectMax {
			reconnectDelay = c.reconnectMax
		}
	}
}

func (c *SSEClient) connect(ctx context.Context, events chan<- protocol.Event) error {
	url := c.baseURL + EventsPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.mu.RLock()
	token := c.authToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Op: "subscribe", StatusCode: resp.StatusCode}
	}
	logging.Info("event stream connected", logging.String("url", url))

	scanner := bufio.NewScanner(resp.Body)
	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data != "" {
				var event protocol.Event
				if err := json.Unmarshal([]byte(data), &event); err != nil {
					logging.Debug("event dropped (bad payload)", logging.Err(err))
				} else {
					if event.Type == "" {
						event.Type = eventType
					}
					select {
					case events <- event:
					default:
						logging.Debug("event dropped (channel full)", logging.String("type", event.Type))
					}
				}
			}
			eventType, data = "", ""
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return fmt.Errorf("connection closed")
}
