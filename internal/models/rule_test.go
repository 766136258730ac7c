package models

import "testing"

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*", "anything", true},
		{"", "anything", true},
		{"Invoice*", "InvoiceProcessing", true},
		{"Invoice*", "ReportExport", false},
		{"*Processing", "InvoiceProcessing", true},
		{"*web*", "WebScraping", true},
		{"*web*", "internal-web-export", true},
		{"*web*", "ReportExport", false},
		{"Invoice*Export", "InvoiceDataExport", true},
		{"Invoice*Export", "InvoiceDataExporter", false},
		{"exact", "exact", true},
		{"exact", "EXACT", true},
		{"exact", "exactly", false},
	}
	for _, tc := range cases {
		if got := MatchPattern(tc.pattern, tc.name); got != tc.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func TestPriorityRankRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		if got := PriorityFromRank(p.Rank()); got != p {
			t.Errorf("rank round trip for %s: got %s", p, got)
		}
	}
}

func TestPriorityBoost(t *testing.T) {
	if got := PriorityNormal.Boost(1); got != PriorityHigh {
		t.Errorf("normal +1 = %s, want high", got)
	}
	if got := PriorityCritical.Boost(5); got != PriorityCritical {
		t.Errorf("critical +5 = %s, want critical", got)
	}
	if got := PriorityHigh.Boost(0); got != PriorityHigh {
		t.Errorf("high +0 = %s, want high", got)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobCompleted, JobFailed, JobCancelled, JobTimeout}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobPending, JobRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestRobotCapacity(t *testing.T) {
	r := Robot{Status: RobotOnline, MaxConcurrentJobs: 2, CurrentJobIDs: []string{"j1"}}
	if !r.HasCapacity() || !r.Available() {
		t.Fatal("robot with one slot free should be available")
	}
	r.CurrentJobIDs = append(r.CurrentJobIDs, "j2")
	if r.HasCapacity() {
		t.Fatal("full robot should have no capacity")
	}
	r.Status = RobotOffline
	r.CurrentJobIDs = nil
	if r.Available() {
		t.Fatal("offline robot is never available")
	}
}

func TestHasCapabilities(t *testing.T) {
	r := Robot{Capabilities: []string{"browser", "excel"}}
	if !r.HasCapabilities(nil) {
		t.Fatal("empty requirement always matches")
	}
	if !r.HasCapabilities([]string{"excel"}) {
		t.Fatal("subset requirement should match")
	}
	if r.HasCapabilities([]string{"excel", "sap"}) {
		t.Fatal("missing tag should not match")
	}
}
