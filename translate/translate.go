// Package translate rewrites vulnerability descriptions into a target language.
// Translation is best-effort: callers fall back to the original text on any error.
package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultEndpoint is the public Youdao demo translation endpoint the original
// deployment used.
const DefaultEndpoint = "https://aidemo.youdao.com/trans"

// Translator defines the capability interface for text translation.
type Translator interface {
	// Translate returns text rewritten into the configured target language.
	Translate(ctx context.Context, text string) (string, error)
}

// Noop is a passthrough translator, selected when translation is disabled.
type Noop struct{}

// Translate returns the input unchanged.
func (Noop) Translate(_ context.Context, text string) (string, error) {
	return text, nil
}

// Youdao translates text via the Youdao HTTP API.
type Youdao struct {
	client   *http.Client
	logger   *slog.Logger
	endpoint string
	target   string
}

// NewYoudao creates a Youdao-backed translator. target is a Youdao language
// code such as "zh-CHS".
func NewYoudao(client *http.Client, endpoint, target string, logger *slog.Logger) *Youdao {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Youdao{
		client:   client,
		logger:   logger,
		endpoint: endpoint,
		target:   target,
	}
}

// youdaoResponse is the subset of the API response we consume.
type youdaoResponse struct {
	Translation []string `json:"translation"`
}

// Translate performs one translation call. Any failure (timeout, quota,
// malformed response) is returned to the caller, who degrades to the
// original text.
func (y *Youdao) Translate(ctx context.Context, text string) (string, error) {
	form := url.Values{}
	form.Set("q", text)
	form.Set("from", "auto")
	form.Set("to", y.target)

	var translated string

	err := retry.Do(
		func() error {
			y.logger.Info("Translation API request starting",
				"method", "POST",
				"endpoint", y.endpoint,
				"target", y.target,
				"text_length", len(text))

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, y.endpoint,
				strings.NewReader(form.Encode()))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			startTime := time.Now()
			resp, err := y.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				y.logger.Warn("Translation request failed, will retry",
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					y.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				y.logger.Warn("Translation API returned non-OK status, will retry",
					"status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			var body youdaoResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				y.logger.Warn("Failed to decode translation response", "error", err)
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			if len(body.Translation) == 0 {
				return retry.Unrecoverable(fmt.Errorf("empty translation in response"))
			}

			translated = strings.Join(body.Translation, "\n")

			y.logger.Info("Translation API request completed",
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(2),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			y.logger.Info("Retrying translation after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("after retries: %w", err)
	}

	return translated, nil
}
