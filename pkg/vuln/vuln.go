// Package vuln contains the core domain types for the CVEFlows push service.
package vuln

import "time"

// Vulnerability represents a single disclosed vulnerability as fetched from the feed.
type Vulnerability struct {
	Published   time.Time // Publication timestamp from the feed
	ID          string    // CVE identifier, e.g. "CVE-2025-12345"
	Description string    // English description text
	Vector      string    // CVSS vector string, "N/A" when absent
	References  []string  // Up to three reference URLs
	Source      string    // Feed name, e.g. "NVD"
	Score       float64   // CVSS base score, 0.0-10.0
}

// Message is the ephemeral notification derived from a vulnerability.
// It is built right before delivery and never persisted.
type Message struct {
	Title string // Short push title
	Body  string // Markdown body
	Link  string // Primary reference URL
}

// SeenSet is the set of vulnerability IDs that have already been pushed,
// keyed by the time the notification was first delivered. It only grows;
// entries are never removed.
type SeenSet map[string]time.Time

// NewSeenSet returns an empty seen set.
func NewSeenSet() SeenSet {
	return make(SeenSet)
}

// Contains reports whether id has been pushed in a prior run.
func (s SeenSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Mark records id as pushed at time t.
func (s SeenSet) Mark(id string, t time.Time) {
	s[id] = t
}

// Len returns the number of recorded IDs.
func (s SeenSet) Len() int {
	return len(s)
}
