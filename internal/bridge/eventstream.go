package bridge

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

// Event is a single change event from the bridge stream. Data holds the
// resource references the bridge reports; the payloads are partial and are
// never applied directly to the cache.
type Event struct {
	Type string            `json:"type"`
	Data []json.RawMessage `json:"data"`
}

// EventRef is the id/type pair carried by each event data item.
type EventRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// EventStreamConfig contains configuration for event stream reconnection.
type EventStreamConfig struct {
	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts, 0 = infinite
}

func (c EventStreamConfig) withDefaults() EventStreamConfig {
	if c.MinBackoff == 0 {
		c.MinBackoff = 1 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	return c
}

// EventHandler receives each parsed bridge event.
type EventHandler func(ctx context.Context, event Event)

// EventStream holds the single persistent subscription to the bridge's SSE
// endpoint. No Go library currently speaks Hue's SSE dialect, so the frames
// are parsed by hand.
type EventStream struct {
	client     *Client
	httpClient *http.Client
	config     EventStreamConfig

	// OnConnected fires after every successful (re)connection. The cache
	// syncer hooks this to heal updates missed while disconnected.
	OnConnected func()
}

// NewEventStream creates an event stream listener bound to the bridge client's
// current host and application key.
func NewEventStream(client *Client, config EventStreamConfig) *EventStream {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return &EventStream{
		client: client,
		httpClient: &http.Client{
			Transport: transport,
			// No timeout: this is a long-lived connection
		},
		config: config.withDefaults(),
	}
}

// Run listens to the event stream with automatic reconnection until ctx is
// cancelled. Returns ErrMaxReconnectsExceeded if the retry budget runs out.
func (e *EventStream) Run(ctx context.Context, handler EventHandler) error {
	retryCount := 0
	currentBackoff := e.config.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := e.connect(ctx, handler)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			retryCount++
			if e.config.MaxReconnects > 0 && retryCount > e.config.MaxReconnects {
				log.Error().
					Int("max_reconnects", e.config.MaxReconnects).
					Msg("Event stream: max reconnects exceeded, terminating")
				return ErrMaxReconnectsExceeded
			}

			delay := jitterBackoff(currentBackoff)
			log.Warn().
				Err(err).
				Dur("backoff", delay).
				Int("retry", retryCount).
				Msg("Event stream disconnected, reconnecting")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}

			nextBackoff := time.Duration(float64(currentBackoff) * e.config.Multiplier)
			if nextBackoff > e.config.MaxBackoff {
				nextBackoff = e.config.MaxBackoff
			}
			currentBackoff = nextBackoff
			continue
		}

		// Clean disconnect: reset the budget and reconnect immediately.
		retryCount = 0
		currentBackoff = e.config.MinBackoff
	}
}

// jitterBackoff scales the backoff by a random factor in [0.5, 1.5) so
// reconnecting clients do not hit the bridge in lockstep.
func jitterBackoff(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

func (e *EventStream) connect(ctx context.Context, handler EventHandler) error {
	host := e.client.Host()
	key := e.client.ApplicationKey()
	if host == "" || key == "" {
		return ErrNotConfigured
	}

	url := fmt.Sprintf("https://%s/eventstream/clip/v2", host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("hue-application-key", key)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return &UnreachableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &UpstreamError{StatusCode: resp.StatusCode, Body: ""}
	}

	log.Info().Str("host", host).Msg("Connected to bridge event stream")
	if e.OnConnected != nil {
		e.OnConnected()
	}

	scanner := bufio.NewScanner(resp.Body)
	var dataBuffer strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		// Handle intro message
		if line == ": hi" {
			log.Debug().Msg("Received event stream greeting")
			continue
		}

		// Empty line marks end of event
		if line == "" {
			if dataBuffer.Len() > 0 {
				e.processFrame(ctx, dataBuffer.String(), handler)
				dataBuffer.Reset()
			}
			continue
		}

		// Collect data lines
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}

	if err := scanner.Err(); err != nil {
		return &UnreachableError{Err: err}
	}
	return nil
}

func (e *EventStream) processFrame(ctx context.Context, data string, handler EventHandler) {
	var events []Event
	if err := json.Unmarshal([]byte(data), &events); err != nil {
		log.Warn().Err(err).Str("data", data).Msg("Failed to parse event frame")
		return
	}
	for _, event := range events {
		handler(ctx, event)
	}
}

// Ref decodes the id/type reference from an event data item.
func Ref(item json.RawMessage) (EventRef, bool) {
	var ref EventRef
	if err := json.Unmarshal(item, &ref); err != nil {
		return EventRef{}, false
	}
	if ref.ID == "" || ref.Type == "" {
		return EventRef{}, false
	}
	return ref, true
}
