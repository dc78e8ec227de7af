package deploy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sdmkit/sdm/pkg/engine"
)

// HTTPVerifier reports a deployment healthy once a GET on its endpoint root
// returns 200.
type HTTPVerifier struct {
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPVerifier creates a verifier. A nil client gets a 10 second timeout.
func NewHTTPVerifier(client *http.Client, logger zerolog.Logger) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPVerifier{
		client: client,
		logger: logger.With().Str("component", "http-verifier").Logger(),
	}
}

// Verify implements engine.Verifier.
func (v *HTTPVerifier) Verify(ctx context.Context, handle *engine.DeploymentHandle) (bool, error) {
	if handle.Endpoint == "" {
		return false, fmt.Errorf("deployment %s has no endpoint", handle.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle.Endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("invalid endpoint %q: %w", handle.Endpoint, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	v.logger.Debug().Str("endpoint", handle.Endpoint).Int("status", resp.StatusCode).Msg("Checked endpoint")
	return resp.StatusCode == http.StatusOK, nil
}
