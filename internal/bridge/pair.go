package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"
)

// The v1 API error type the bridge returns when the link button has not
// been pressed.
const linkButtonErrorType = 101

// DiscoveredBridge is a bridge found on the local network.
type DiscoveredBridge struct {
	ID   string `json:"bridgeId"`
	Host string `json:"host"`
}

// Discover finds Hue bridges reachable from this host.
func Discover(ctx context.Context) ([]DiscoveredBridge, error) {
	bridges, err := huego.DiscoverAllContext(ctx)
	if err != nil {
		return nil, &UnreachableError{Err: err}
	}

	found := make([]DiscoveredBridge, 0, len(bridges))
	for _, b := range bridges {
		found = append(found, DiscoveredBridge{ID: b.ID, Host: b.Host})
	}
	log.Debug().Int("count", len(found)).Msg("Bridge discovery completed")
	return found, nil
}

// Pair requests a new application key from the bridge. The bridge only
// grants one within a short window after its physical button is pressed;
// outside that window it answers with error type 101, surfaced here as
// ErrLinkButtonNotPressed so callers can prompt and retry.
func (c *Client) Pair(ctx context.Context, devicetype string) (string, error) {
	host := c.Host()
	if host == "" {
		return "", ErrNotConfigured
	}
	if devicetype == "" {
		devicetype = "hue-gateway#gateway"
	}

	b := huego.New(host, "")
	key, err := b.CreateUserContext(ctx, devicetype)
	if err != nil {
		var apiErr *huego.APIError
		if errors.As(err, &apiErr) {
			if apiErr.Type == linkButtonErrorType {
				return "", ErrLinkButtonNotPressed
			}
			return "", &UpstreamError{
				StatusCode: 502,
				Body:       fmt.Sprintf("pairing rejected: %s", apiErr.Description),
			}
		}
		return "", &UnreachableError{Err: err}
	}
	if key == "" {
		return "", &UpstreamError{StatusCode: 502, Body: "unexpected pairing response from bridge"}
	}

	log.Info().Str("host", host).Msg("Paired with bridge")
	return key, nil
}
