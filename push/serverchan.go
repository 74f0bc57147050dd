package push

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

	"cveflows/pkg/vuln"
)

// serverChanBaseURL is the ServerChan push API host.
const serverChanBaseURL = "https://sctapi.ftqq.com"

// ServerChanProvider delivers notifications via the ServerChan push API.
type ServerChanProvider struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	sendKey string
	tags    string
}

// NewServerChanProvider creates a new ServerChan push provider. sendKey is the
// per-recipient delivery key issued by ServerChan.
func NewServerChanProvider(sendKey string, logger *slog.Logger) *ServerChanProvider {
	return &ServerChanProvider{
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		baseURL: serverChanBaseURL,
		sendKey: sendKey,
		tags:    "vulnerability-alert",
	}
}

// serverChanResponse is the subset of the API response we check.
type serverChanResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Push delivers one message via the ServerChan API.
func (p *ServerChanProvider) Push(ctx context.Context, msg *vuln.Message) error {
	endpoint := fmt.Sprintf("%s/%s.send", p.baseURL, p.sendKey)

	form := url.Values{}
	form.Set("title", msg.Title)
	form.Set("desp", msg.Body)
	form.Set("tags", p.tags)

	return retry.Do(
		func() error {
			p.logger.Info("ServerChan API request starting",
				"method", "POST",
				"endpoint", "send",
				"title", msg.Title)

			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
				strings.NewReader(form.Encode()))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			resp, err := p.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				p.logger.Warn("ServerChan API request failed, will retry",
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					p.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				p.logger.Warn("ServerChan API returned non-2xx status, will retry",
					"status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			var body serverChanResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				p.logger.Warn("Failed to decode ServerChan response", "error", err)
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			if body.Code != 0 {
				p.logger.Warn("ServerChan API rejected message",
					"code", body.Code,
					"message", body.Message)
				return retry.Unrecoverable(fmt.Errorf("serverchan code %d: %s", body.Code, body.Message))
			}

			p.logger.Info("ServerChan API request completed",
				"endpoint", "send",
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying ServerChan push after error", "attempt", n, "error", err)
		}),
	)
}
