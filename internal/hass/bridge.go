package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Bridge talks to the Home Assistant REST API for entity states and
// persistent notifications.
type Bridge struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewBridge builds a bridge; url and token come from HA_URL/HA_TOKEN.
func NewBridge(url, token string, logger *zap.Logger) *Bridge {
	return &Bridge{
		baseURL: strings.TrimRight(url, "/"),
		token:   token,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
	}
}

type entityState struct {
	State string `json:"state"`
}

// GetState retrieves the state string of an entity.
func (b *Bridge) GetState(ctx context.Context, entityID string) (string, error) {
	url := fmt.Sprintf("%s/api/states/%s", b.baseURL, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("hass: state request for %s returned %d", entityID, resp.StatusCode)
	}

	var state entityState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return "", err
	}
	return state.State, nil
}

// Notify creates a persistent notification (best effort).
func (b *Bridge) Notify(ctx context.Context, title, message string) error {
	url := b.baseURL + "/api/services/persistent_notification/create"
	body, err := json.Marshal(map[string]string{"title": title, "message": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Debug("hass notification failed", zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b.logger.Debug("hass notification returned non-success", zap.Int("status", resp.StatusCode))
	}
	return nil
}
