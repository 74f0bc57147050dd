// Package feed handles fetching and parsing the NVD vulnerability feed.
package feed

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"cveflows/pkg/vuln"
)

const (
	recentFeedURL = "https://nvd.nist.gov/feeds/json/cve/2.0/nvdcve-2.0-recent.json.gz"
	yearFeedURL   = "https://nvd.nist.gov/feeds/json/cve/2.0/nvdcve-2.0-%d.json.gz"

	maxReferences = 3
	sourceName    = "NVD"
)

// publishedLayout is the timestamp format the NVD feed uses (UTC, no zone suffix).
const publishedLayout = "2006-01-02T15:04:05.000"

// FetchError indicates the feed was unreachable or returned a malformed payload.
// It is the transient failure class: the run aborts without touching the seen set
// and the next scheduled invocation retries the same window.
type FetchError struct {
	Err error
	URL string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch feed %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError checks if an error is a feed fetch error.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Client fetches and parses NVD feed files.
type Client struct {
	client    *http.Client
	logger    *slog.Logger
	nowFn     func() time.Time
	apiKey    string
	recentURL string
	yearURL   string
}

// New creates a new feed client. apiKey is optional and sent as the NVD
// apiKey header when set.
func New(client *http.Client, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		client:    client,
		logger:    logger,
		apiKey:    apiKey,
		nowFn:     time.Now,
		recentURL: recentFeedURL,
		yearURL:   fmt.Sprintf(yearFeedURL, time.Now().UTC().Year()),
	}
}

// nvdFeed mirrors the subset of the NVD 2.0 feed schema we consume.
type nvdFeed struct {
	Vulnerabilities []nvdItem `json:"vulnerabilities"`
}

type nvdItem struct {
	CVE nvdCVE `json:"cve"`
}

type nvdCVE struct {
	ID           string `json:"id"`
	Published    string `json:"published"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics    nvdMetrics `json:"metrics"`
	References []struct {
		URL string `json:"url"`
	} `json:"references"`
}

type nvdMetrics struct {
	CVSSMetricV31 []nvdMetric `json:"cvssMetricV31"`
	CVSSMetricV30 []nvdMetric `json:"cvssMetricV30"`
	CVSSMetricV2  []nvdMetric `json:"cvssMetricV2"`
}

type nvdMetric struct {
	CVSSData struct {
		BaseScore    float64 `json:"baseScore"`
		VectorString string  `json:"vectorString"`
	} `json:"cvssData"`
}

// Recent fetches vulnerabilities published within the given window.
// It tries the recent feed first and falls back to the current-year feed
// when the recent feed is unavailable or empty. Order follows the feed.
func (c *Client) Recent(ctx context.Context, window time.Duration) ([]*vuln.Vulnerability, error) {
	items, err := c.fetchFeed(ctx, c.recentURL)
	if err != nil || len(items) == 0 {
		if err != nil {
			c.logger.Warn("Recent feed fetch failed, trying year feed", "error", err)
		} else {
			c.logger.Warn("Recent feed returned no entries, trying year feed")
		}

		items, err = c.fetchFeed(ctx, c.yearURL)
		if err != nil {
			return nil, &FetchError{URL: c.yearURL, Err: err}
		}
	}

	cutoff := c.nowFn().UTC().Add(-window)
	var records []*vuln.Vulnerability
	for i := range items {
		rec, ok := c.parseItem(&items[i])
		if !ok {
			continue
		}
		if rec.Published.Before(cutoff) {
			continue
		}
		records = append(records, rec)
	}

	c.logger.Info("Feed entries parsed",
		"total", len(items),
		"within_window", len(records),
		"window", window.String())

	return records, nil
}

func (c *Client) fetchFeed(ctx context.Context, feedURL string) ([]nvdItem, error) {
	var items []nvdItem

	err := retry.Do(
		func() error {
			c.logger.Info("HTTP request starting",
				"method", "GET",
				"url", feedURL,
				"purpose", "fetch_feed")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			if c.apiKey != "" {
				req.Header.Set("apiKey", c.apiKey)
			}

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("HTTP request failed, will retry",
					"url", feedURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Info("HTTP request completed",
				"url", feedURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			if resp.StatusCode != http.StatusOK {
				c.logger.Warn("HTTP request returned non-OK status, will retry", "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			gz, err := gzip.NewReader(resp.Body)
			if err != nil {
				c.logger.Error("Feed payload is not valid gzip", "error", err)
				return retry.Unrecoverable(fmt.Errorf("gzip reader: %w", err))
			}
			defer func() {
				if closeErr := gz.Close(); closeErr != nil {
					c.logger.Warn("Failed to close gzip reader", "error", closeErr)
				}
			}()

			var f nvdFeed
			if err := json.NewDecoder(gz).Decode(&f); err != nil {
				c.logger.Error("Failed to decode feed JSON", "error", err)
				return retry.Unrecoverable(fmt.Errorf("decode feed: %w", err))
			}

			items = f.Vulnerabilities
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying feed fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	return items, nil
}

// parseItem maps one feed entry to a domain record. Entries with no ID or an
// unparseable publication timestamp are dropped.
func (c *Client) parseItem(item *nvdItem) (*vuln.Vulnerability, bool) {
	cve := &item.CVE
	if cve.ID == "" {
		c.logger.Warn("Skipping feed entry without an ID")
		return nil, false
	}

	published, err := parsePublished(cve.Published)
	if err != nil {
		c.logger.Warn("Skipping entry with unparseable publication date",
			"id", cve.ID,
			"published", cve.Published,
			"error", err)
		return nil, false
	}

	description := "No description available"
	for _, d := range cve.Descriptions {
		if d.Lang == "en" {
			description = d.Value
			break
		}
	}

	score, vector := bestMetric(&cve.Metrics)

	var refs []string
	for _, ref := range cve.References {
		if ref.URL == "" {
			continue
		}
		refs = append(refs, ref.URL)
		if len(refs) == maxReferences {
			break
		}
	}

	return &vuln.Vulnerability{
		ID:          cve.ID,
		Published:   published,
		Description: description,
		Score:       score,
		Vector:      vector,
		References:  refs,
		Source:      sourceName,
	}, true
}

// bestMetric picks the CVSS base score and vector, preferring v3.1 over v3.0 over v2.
// Records without any metric get a NaN score so the severity filter never passes them.
func bestMetric(m *nvdMetrics) (score float64, vector string) {
	vector = "N/A"

	var metrics []nvdMetric
	switch {
	case len(m.CVSSMetricV31) > 0:
		metrics = m.CVSSMetricV31
	case len(m.CVSSMetricV30) > 0:
		metrics = m.CVSSMetricV30
	case len(m.CVSSMetricV2) > 0:
		metrics = m.CVSSMetricV2
	default:
		return math.NaN(), vector
	}

	data := &metrics[0].CVSSData
	if data.VectorString != "" {
		vector = data.VectorString
	}
	return data.BaseScore, vector
}

func parsePublished(s string) (time.Time, error) {
	if t, err := time.Parse(publishedLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
