package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cveflows/pkg/vuln"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func record(id string, score float64) *vuln.Vulnerability {
	return &vuln.Vulnerability{
		ID:          id,
		Score:       score,
		Published:   time.Now().UTC(),
		Description: "Description of " + id,
		Vector:      "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H",
		References:  []string{"https://example.com/" + id},
		Source:      "NVD",
	}
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name      string
		records   []*vuln.Vulnerability
		threshold float64
		wantIDs   []string
	}{
		{
			name:      "keeps scores at or above threshold",
			records:   []*vuln.Vulnerability{record("X-1", 9.8), record("X-2", 5.0), record("X-3", 7.0)},
			threshold: 7.0,
			wantIDs:   []string{"X-1", "X-3"},
		},
		{
			name:      "empty input",
			records:   nil,
			threshold: 7.0,
			wantIDs:   nil,
		},
		{
			name:      "missing score never passes",
			records:   []*vuln.Vulnerability{record("X-1", math.NaN()), record("X-2", 8.0)},
			threshold: 0.0,
			wantIDs:   []string{"X-2"},
		},
		{
			name:      "order preserved",
			records:   []*vuln.Vulnerability{record("B", 8.0), record("A", 9.0), record("C", 7.5)},
			threshold: 7.0,
			wantIDs:   []string{"B", "A", "C"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Filter(tt.records, tt.threshold)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("Filter() returned %d records, want %d", len(got), len(tt.wantIDs))
			}
			for i, v := range got {
				if v.ID != tt.wantIDs[i] {
					t.Errorf("Filter()[%d] = %s, want %s", i, v.ID, tt.wantIDs[i])
				}
				if !math.IsNaN(v.Score) && v.Score < tt.threshold {
					t.Errorf("Filter() kept %s with score %.1f below threshold %.1f", v.ID, v.Score, tt.threshold)
				}
			}
		})
	}
}

// TestFilterExcludedBelowThreshold verifies no excluded record actually met the threshold.
func TestFilterExcludedBelowThreshold(t *testing.T) {
	records := []*vuln.Vulnerability{
		record("A", 9.8), record("B", 6.9), record("C", 7.0), record("D", 0.0),
	}
	kept := Filter(records, 7.0)

	keptSet := make(map[string]bool)
	for _, v := range kept {
		keptSet[v.ID] = true
	}
	for _, v := range records {
		if !keptSet[v.ID] && v.Score >= 7.0 {
			t.Errorf("record %s with score %.1f was excluded despite meeting threshold", v.ID, v.Score)
		}
	}
}

// TestDedupePartition verifies Dedupe(F,S) ∩ S = ∅ and Dedupe(F,S) ∪ (F ∩ S) = F.
func TestDedupePartition(t *testing.T) {
	seen := vuln.NewSeenSet()
	seen.Mark("X-1", time.Now())
	seen.Mark("X-3", time.Now())

	filtered := []*vuln.Vulnerability{
		record("X-1", 9.8), record("X-2", 8.0), record("X-3", 7.5), record("X-4", 9.0),
	}

	fresh := Dedupe(filtered, seen)

	for _, v := range fresh {
		if seen.Contains(v.ID) {
			t.Errorf("Dedupe() returned %s despite it being in the seen set", v.ID)
		}
	}

	// fresh plus the seen part of filtered must reassemble filtered
	freshSet := make(map[string]bool)
	for _, v := range fresh {
		freshSet[v.ID] = true
	}
	for _, v := range filtered {
		if !freshSet[v.ID] && !seen.Contains(v.ID) {
			t.Errorf("record %s missing from both partitions", v.ID)
		}
	}

	wantIDs := []string{"X-2", "X-4"}
	if len(fresh) != len(wantIDs) {
		t.Fatalf("Dedupe() returned %d records, want %d", len(fresh), len(wantIDs))
	}
	for i, v := range fresh {
		if v.ID != wantIDs[i] {
			t.Errorf("Dedupe()[%d] = %s, want %s (order must be preserved)", i, v.ID, wantIDs[i])
		}
	}
}

func TestDedupeNoSideEffects(t *testing.T) {
	seen := vuln.NewSeenSet()
	seen.Mark("X-1", time.Now())

	Dedupe([]*vuln.Vulnerability{record("X-2", 8.0)}, seen)

	if seen.Len() != 1 {
		t.Errorf("Dedupe() mutated the seen set: len = %d, want 1", seen.Len())
	}
	if seen.Contains("X-2") {
		t.Error("Dedupe() marked X-2 as seen")
	}
}

type fakeFeed struct {
	err     error
	records []*vuln.Vulnerability
}

func (f *fakeFeed) Recent(_ context.Context, _ time.Duration) ([]*vuln.Vulnerability, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

type fakeStore struct {
	loadErr   error
	saveErr   error
	set       vuln.SeenSet
	saveCalls int
}

func (f *fakeStore) Load(_ context.Context) (vuln.SeenSet, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.set == nil {
		f.set = vuln.NewSeenSet()
	}
	return f.set, nil
}

func (f *fakeStore) Save(_ context.Context, set vuln.SeenSet) error {
	f.saveCalls++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.set = set
	return nil
}

type fakeTranslator struct {
	err    error
	prefix string
}

func (f *fakeTranslator) Translate(_ context.Context, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.prefix + text, nil
}

type delivered struct {
	id          string
	description string
}

type fakeNotifier struct {
	failIDs map[string]bool
	sent    []delivered
}

func (f *fakeNotifier) Notify(_ context.Context, v *vuln.Vulnerability, description string) error {
	if f.failIDs[v.ID] {
		return errors.New("delivery refused")
	}
	f.sent = append(f.sent, delivered{id: v.ID, description: description})
	return nil
}

func newTestRunner(feed *fakeFeed, store *fakeStore, tr *fakeTranslator, n *fakeNotifier) *Runner {
	return New(feed, store, tr, n, Config{Threshold: 7.0, Window: 24 * time.Hour}, testLogger())
}

// TestRunThresholdScenario: two records, X-1 score 9.8 and X-2 score 5.0.
// Only X-1 passes the filter; with X-1 already seen, nothing is pushed.
func TestRunThresholdScenario(t *testing.T) {
	feed := &fakeFeed{records: []*vuln.Vulnerability{record("X-1", 9.8), record("X-2", 5.0)}}
	notifier := &fakeNotifier{}

	t.Run("X-1 not yet seen", func(t *testing.T) {
		store := &fakeStore{}
		n := &fakeNotifier{}
		runner := newTestRunner(feed, store, &fakeTranslator{}, n)
		if err := runner.Run(context.Background()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(n.sent) != 1 || n.sent[0].id != "X-1" {
			t.Fatalf("sent = %+v, want exactly X-1", n.sent)
		}
		if !store.set.Contains("X-1") {
			t.Error("X-1 should be in the seen set after delivery")
		}
		if store.set.Contains("X-2") {
			t.Error("X-2 failed the filter and must not be in the seen set")
		}
	})

	t.Run("X-1 already seen", func(t *testing.T) {
		seen := vuln.NewSeenSet()
		seen.Mark("X-1", time.Now())
		store := &fakeStore{set: seen}
		runner := newTestRunner(feed, store, &fakeTranslator{}, notifier)
		if err := runner.Run(context.Background()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(notifier.sent) != 0 {
			t.Errorf("sent = %+v, want zero notifications", notifier.sent)
		}
		if store.set.Len() != 1 {
			t.Errorf("seen set len = %d, want unchanged 1", store.set.Len())
		}
	})
}

// TestRunDeliveryScenario: X-3 succeeds → marked seen; X-3 fails → not marked,
// so it is retried next run.
func TestRunDeliveryScenario(t *testing.T) {
	t.Run("delivery succeeds", func(t *testing.T) {
		store := &fakeStore{}
		n := &fakeNotifier{}
		runner := newTestRunner(&fakeFeed{records: []*vuln.Vulnerability{record("X-3", 8.1)}}, store, &fakeTranslator{}, n)
		if err := runner.Run(context.Background()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !store.set.Contains("X-3") {
			t.Error("X-3 should be marked seen after successful delivery")
		}
	})

	t.Run("delivery fails", func(t *testing.T) {
		store := &fakeStore{}
		n := &fakeNotifier{failIDs: map[string]bool{"X-3": true}}
		runner := newTestRunner(&fakeFeed{records: []*vuln.Vulnerability{record("X-3", 8.1)}}, store, &fakeTranslator{}, n)
		if err := runner.Run(context.Background()); err != nil {
			t.Fatalf("Run() error = %v (per-message failure must not fail the run)", err)
		}
		if store.set.Contains("X-3") {
			t.Error("X-3 must not be marked seen after failed delivery")
		}
		if runner.State() != StatePersisted {
			t.Errorf("state = %s, want PERSISTED", runner.State())
		}
	})
}

// TestRunPartialFailure: a failure on an earlier message must not prevent later
// deliveries, and each success is marked independently.
func TestRunPartialFailure(t *testing.T) {
	store := &fakeStore{}
	n := &fakeNotifier{failIDs: map[string]bool{"X-1": true}}
	feed := &fakeFeed{records: []*vuln.Vulnerability{record("X-1", 9.0), record("X-2", 8.0)}}
	runner := newTestRunner(feed, store, &fakeTranslator{}, n)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if store.set.Contains("X-1") {
		t.Error("failed X-1 must not be marked seen")
	}
	if !store.set.Contains("X-2") {
		t.Error("X-2 delivered after the X-1 failure must be marked seen")
	}
}

// TestRunIdempotence: running twice over the same feed data pushes nothing
// the second time.
func TestRunIdempotence(t *testing.T) {
	store := &fakeStore{}
	feed := &fakeFeed{records: []*vuln.Vulnerability{record("X-1", 9.8), record("X-2", 8.2)}}

	first := &fakeNotifier{}
	if err := newTestRunner(feed, store, &fakeTranslator{}, first).Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if len(first.sent) != 2 {
		t.Fatalf("first run sent %d notifications, want 2", len(first.sent))
	}

	second := &fakeNotifier{}
	if err := newTestRunner(feed, store, &fakeTranslator{}, second).Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(second.sent) != 0 {
		t.Errorf("second run sent %d notifications, want 0", len(second.sent))
	}
}

// TestRunTranslationFallback: when every translation call fails, the notifier
// still receives the original non-empty description.
func TestRunTranslationFallback(t *testing.T) {
	store := &fakeStore{}
	n := &fakeNotifier{}
	tr := &fakeTranslator{err: errors.New("quota exceeded")}
	feed := &fakeFeed{records: []*vuln.Vulnerability{record("X-1", 9.8)}}

	if err := newTestRunner(feed, store, tr, n).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v (translation failure must not abort)", err)
	}
	if len(n.sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(n.sent))
	}
	if n.sent[0].description == "" {
		t.Error("notifier received an empty description")
	}
	if n.sent[0].description != "Description of X-1" {
		t.Errorf("description = %q, want the original untranslated text", n.sent[0].description)
	}
}

func TestRunUsesTranslatedDescription(t *testing.T) {
	store := &fakeStore{}
	n := &fakeNotifier{}
	tr := &fakeTranslator{prefix: "translated: "}
	feed := &fakeFeed{records: []*vuln.Vulnerability{record("X-1", 9.8)}}

	if err := newTestRunner(feed, store, tr, n).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := n.sent[0].description; !strings.HasPrefix(got, "translated: ") {
		t.Errorf("description = %q, want translated text", got)
	}
}

// TestRunFetchFailure: a fetch failure is fatal and must leave the store untouched.
func TestRunFetchFailure(t *testing.T) {
	store := &fakeStore{}
	runner := newTestRunner(&fakeFeed{err: errors.New("connection refused")}, store, &fakeTranslator{}, &fakeNotifier{})

	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail when the fetch fails")
	}
	if store.saveCalls != 0 {
		t.Errorf("store.Save called %d times after fetch failure, want 0", store.saveCalls)
	}
	if runner.State() != StateError {
		t.Errorf("state = %s, want ERROR", runner.State())
	}
}

// TestRunPersistFailure: a save failure is fatal even though deliveries already
// happened.
func TestRunPersistFailure(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("disk full")}
	n := &fakeNotifier{}
	runner := newTestRunner(&fakeFeed{records: []*vuln.Vulnerability{record("X-1", 9.8)}}, store, &fakeTranslator{}, n)

	if err := runner.Run(context.Background()); err == nil {
		t.Fatal("Run() should fail when the seen-set cannot be persisted")
	}
	if len(n.sent) != 1 {
		t.Errorf("sent %d notifications, want 1 (sends are not undone)", len(n.sent))
	}
}

func TestRunStateMachine(t *testing.T) {
	store := &fakeStore{}
	runner := newTestRunner(&fakeFeed{records: []*vuln.Vulnerability{record("X-1", 9.8)}}, store, &fakeTranslator{}, &fakeNotifier{})

	if runner.State() != StateInit {
		t.Errorf("initial state = %s, want INIT", runner.State())
	}
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if runner.State() != StatePersisted {
		t.Errorf("final state = %s, want PERSISTED", runner.State())
	}
}

func TestRunWritesFlagFile(t *testing.T) {
	flagPath := filepath.Join(t.TempDir(), "new_vulns.flag")
	store := &fakeStore{}
	feed := &fakeFeed{records: []*vuln.Vulnerability{record("X-1", 9.8), record("X-2", 8.2)}}
	runner := New(feed, store, &fakeTranslator{}, &fakeNotifier{},
		Config{Threshold: 7.0, Window: 24 * time.Hour, FlagFile: flagPath}, testLogger())

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := os.ReadFile(flagPath)
	if err != nil {
		t.Fatalf("flag file not written: %v", err)
	}
	want := "2\nX-1\nX-2"
	if string(data) != want {
		t.Errorf("flag file = %q, want %q", string(data), want)
	}
}

func TestRunNoFlagFileWithoutPushes(t *testing.T) {
	flagPath := filepath.Join(t.TempDir(), "new_vulns.flag")
	runner := New(&fakeFeed{}, &fakeStore{}, &fakeTranslator{}, &fakeNotifier{},
		Config{Threshold: 7.0, Window: 24 * time.Hour, FlagFile: flagPath}, testLogger())

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := os.Stat(flagPath); !os.IsNotExist(err) {
		t.Error("flag file should not exist when nothing was pushed")
	}
}
