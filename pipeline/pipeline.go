// Package pipeline sequences one monitoring run: fetch, filter, dedupe,
// translate, notify, persist.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"cveflows/pkg/vuln"
)

// Feed interface for fetching recent vulnerability records.
type Feed interface {
	Recent(ctx context.Context, window time.Duration) ([]*vuln.Vulnerability, error)
}

// Store interface for seen-set persistence.
type Store interface {
	Load(ctx context.Context) (vuln.SeenSet, error)
	Save(ctx context.Context, set vuln.SeenSet) error
}

// Translator interface for best-effort description translation.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Notifier interface for delivering one notification per record.
type Notifier interface {
	Notify(ctx context.Context, v *vuln.Vulnerability, description string) error
}

// State identifies where a run is in its lifecycle.
type State int

const (
	StateInit State = iota
	StateFetched
	StateFiltered
	StateDeduped
	StateNotified
	StatePersisted
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFetched:
		return "FETCHED"
	case StateFiltered:
		return "FILTERED"
	case StateDeduped:
		return "DEDUPED"
	case StateNotified:
		return "NOTIFIED"
	case StatePersisted:
		return "PERSISTED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config carries the run parameters.
type Config struct {
	FlagFile  string        // Written after a run that pushed records; empty disables
	Threshold float64       // Minimum CVSS score to notify about
	Window    time.Duration // Publication lookback window
}

// Runner drives a single run through its states.
type Runner struct {
	feed       Feed
	store      Store
	translator Translator
	notifier   Notifier
	logger     *slog.Logger
	nowFn      func() time.Time
	cfg        Config
	state      State
}

// New creates a new runner.
func New(feed Feed, store Store, translator Translator, notifier Notifier, cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		feed:       feed,
		store:      store,
		translator: translator,
		notifier:   notifier,
		logger:     logger,
		nowFn:      time.Now,
		cfg:        cfg,
		state:      StateInit,
	}
}

// State returns the runner's current state.
func (r *Runner) State() State {
	return r.state
}

func (r *Runner) transition(to State, attrs ...any) {
	r.logger.Info("Run state transition",
		append([]any{"from", r.state.String(), "to", to.String()}, attrs...)...)
	r.state = to
}

// Run executes one full pipeline pass. A returned error is fatal for the
// run: either the fetch failed (seen-set untouched) or the seen-set could
// not be persisted.
func (r *Runner) Run(ctx context.Context) error {
	seen, err := r.store.Load(ctx)
	if err != nil {
		r.transition(StateError, "error", err.Error())
		return fmt.Errorf("load seen-set: %w", err)
	}

	records, err := r.feed.Recent(ctx, r.cfg.Window)
	if err != nil {
		r.transition(StateError, "error", err.Error())
		return fmt.Errorf("fetch feed: %w", err)
	}
	r.transition(StateFetched, "count", len(records))

	filtered := Filter(records, r.cfg.Threshold)
	r.transition(StateFiltered, "count", len(filtered), "threshold", r.cfg.Threshold)

	fresh := Dedupe(filtered, seen)
	r.transition(StateDeduped, "count", len(fresh), "already_seen", len(filtered)-len(fresh))

	var pushed []string
	for _, v := range fresh {
		// Check for context cancellation between deliveries
		select {
		case <-ctx.Done():
			r.logger.Info("Context cancelled, stopping delivery", "error", ctx.Err())
			r.transition(StateError, "error", ctx.Err().Error())
			return ctx.Err()
		default:
		}

		description, terr := r.translator.Translate(ctx, v.Description)
		if terr != nil {
			r.logger.Warn("Translation failed, falling back to original text",
				"id", v.ID, "error", terr)
			description = v.Description
		}

		if nerr := r.notifier.Notify(ctx, v, description); nerr != nil {
			r.logger.Warn("Delivery failed, record will be retried next run",
				"id", v.ID, "error", nerr)
			continue
		}

		// Mark immediately after the delivery confirms, so a later failure
		// in this run cannot cause a duplicate push of this record.
		seen.Mark(v.ID, r.nowFn().UTC())
		pushed = append(pushed, v.ID)
	}
	r.transition(StateNotified, "pushed", len(pushed), "failed", len(fresh)-len(pushed))

	if err := r.store.Save(ctx, seen); err != nil {
		r.transition(StateError, "error", err.Error())
		return fmt.Errorf("save seen-set: %w", err)
	}
	r.transition(StatePersisted, "seen_total", seen.Len())

	if len(pushed) > 0 && r.cfg.FlagFile != "" {
		if err := writeFlagFile(r.cfg.FlagFile, pushed); err != nil {
			r.logger.Warn("Failed to write flag file", "path", r.cfg.FlagFile, "error", err)
		}
	}

	r.logger.Info("Monitoring run completed", "new_vulnerabilities", len(pushed))
	return nil
}

// Filter returns the records whose score meets the threshold, preserving
// order. Records with a missing score (NaN) never pass.
func Filter(records []*vuln.Vulnerability, threshold float64) []*vuln.Vulnerability {
	var kept []*vuln.Vulnerability
	for _, v := range records {
		if math.IsNaN(v.Score) || v.Score < threshold {
			continue
		}
		kept = append(kept, v)
	}
	return kept
}

// Dedupe returns the records whose ID is not in the seen set, preserving
// order. It has no side effects; the set is updated only after delivery.
func Dedupe(records []*vuln.Vulnerability, seen vuln.SeenSet) []*vuln.Vulnerability {
	var fresh []*vuln.Vulnerability
	for _, v := range records {
		if seen.Contains(v.ID) {
			continue
		}
		fresh = append(fresh, v)
	}
	return fresh
}

// writeFlagFile records the count and IDs of freshly pushed records for
// downstream scheduling hooks.
func writeFlagFile(path string, ids []string) error {
	content := fmt.Sprintf("%d\n%s", len(ids), strings.Join(ids, "\n"))
	return os.WriteFile(path, []byte(content), 0o600)
}
