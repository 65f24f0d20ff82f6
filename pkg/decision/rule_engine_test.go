package decision

import (
	"testing"
	"time"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/state"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

func TestRuleFallback_Decide(t *testing.T) {
	rf := NewRuleFallback(uci.Default().Rules)

	tests := []struct {
		name       string
		bloat      *float64
		loss       float64
		throughput float64
		want       pkg.Algorithm
		reason     string
	}{
		{"high bufferbloat", pkg.Float(60), 0, 200, pkg.AlgorithmBBR, "high bufferbloat"},
		{"high loss", pkg.Float(0), 5, 200, pkg.AlgorithmWestwood, "high packet loss"},
		{"low throughput", pkg.Float(0), 0, 50, pkg.AlgorithmCubic, "low throughput"},
		{"default", pkg.Float(0), 0, 200, pkg.AlgorithmCubic, "default policy"},
		{"bufferbloat absent", nil, 0, 200, pkg.AlgorithmCubic, "default policy"},
		{"bufferbloat at threshold", pkg.Float(50), 0, 200, pkg.AlgorithmCubic, "default policy"},
		{"bufferbloat wins over loss", pkg.Float(80), 10, 10, pkg.AlgorithmBBR, "high bufferbloat"},
		{"loss wins over throughput", nil, 3, 10, pkg.AlgorithmWestwood, "high packet loss"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := snapshot(30, tt.throughput, tt.loss, tt.bloat)
			if err := snap.Validate(); err != nil {
				t.Fatalf("invalid test snapshot: %v", err)
			}

			got, reason := rf.Decide(snap)
			if got != tt.want || reason != tt.reason {
				t.Errorf("Decide() = (%s, %q), want (%s, %q)", got, reason, tt.want, tt.reason)
			}
		})
	}
}

func TestRuleFallback_CustomThresholds(t *testing.T) {
	rules := uci.Default().Rules
	rules.BufferbloatMS = 20
	rules.DefaultAlgorithm = "reno"
	rf := NewRuleFallback(rules)

	if got, _ := rf.Decide(snapshot(30, 200, 0, pkg.Float(25))); got != pkg.AlgorithmBBR {
		t.Errorf("Expected bbr with lowered bufferbloat threshold, got %s", got)
	}
	if got, _ := rf.Decide(snapshot(30, 200, 0, nil)); got != "reno" {
		t.Errorf("Expected configured default algorithm, got %s", got)
	}

	names := []string{}
	for _, r := range rf.Rules() {
		names = append(names, r.Name)
	}
	if len(names) != 4 || names[0] != "bufferbloat" || names[3] != "default" {
		t.Errorf("Unexpected rule order: %v", names)
	}
}

func TestHysteresisGate(t *testing.T) {
	gate := HysteresisGate{Period: 120 * time.Second}
	s := state.New(pkg.AlgorithmCubic, baseTime, 5)

	tests := []struct {
		elapsed time.Duration
		allow   bool
	}{
		{0, false},
		{119 * time.Second, false},
		{120 * time.Second, true},
		{10 * time.Minute, true},
	}
	for _, tt := range tests {
		if got := gate.Allow(s, baseTime.Add(tt.elapsed)); got != tt.allow {
			t.Errorf("Allow after %v = %v, want %v", tt.elapsed, got, tt.allow)
		}
	}

	if left := gate.Remaining(s, baseTime.Add(100*time.Second)); left != 20*time.Second {
		t.Errorf("Remaining = %v, want 20s", left)
	}
	if left := gate.Remaining(s, baseTime.Add(time.Hour)); left != 0 {
		t.Errorf("Remaining = %v, want 0", left)
	}
}

func TestConsistencyFilter(t *testing.T) {
	f := ConsistencyFilter{Window: 3}

	tests := []struct {
		name   string
		window []pkg.Algorithm
		allow  bool
	}{
		{"empty", nil, false},
		{"partial", []pkg.Algorithm{"bbr", "bbr"}, false},
		{"full and uniform", []pkg.Algorithm{"bbr", "bbr", "bbr"}, true},
		{"full and mixed", []pkg.Algorithm{"cubic", "bbr", "bbr"}, false},
		{"uniform other", []pkg.Algorithm{"cubic", "cubic", "cubic"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Allow(tt.window, pkg.AlgorithmBBR); got != tt.allow {
				t.Errorf("Allow(%v) = %v, want %v", tt.window, got, tt.allow)
			}
		})
	}
}

func TestCandidateWindow(t *testing.T) {
	w := NewCandidateWindow(3)
	for _, a := range []pkg.Algorithm{"cubic", "bbr", "westwood", "bbr"} {
		w.Push(a)
	}

	got := w.Entries()
	want := []pkg.Algorithm{"bbr", "westwood", "bbr"}
	if len(got) != len(want) {
		t.Fatalf("Entries() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Entries() = %v, want %v", got, want)
		}
	}

	got[0] = "mutated"
	if w.Entries()[0] != "bbr" {
		t.Error("Entries() must return a copy")
	}
}
