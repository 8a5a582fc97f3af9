package agent

import "testing"

func TestLoadPct(t *testing.T) {
	t.Parallel()

	cases := []struct {
		loadavg string
		cores   int
		want    float64
	}{
		{"1.50 0.80 0.40 1/200 12345", 2, 75},
		{"0.00 0.00 0.00 1/100 1", 8, 0},
		{"", 4, 0},
		{"notanumber 1 2", 2, 0},
		{"1.00 0.50 0.25", 0, 0},
	}
	for _, tc := range cases {
		if got := loadPct(tc.loadavg, tc.cores); got != tc.want {
			t.Fatalf("loadPct(%q, %d)=%v", tc.loadavg, tc.cores, got)
		}
	}
}

func TestUsedMemPct(t *testing.T) {
	t.Parallel()

	meminfo := `MemTotal:        1000 kB
MemFree:          100 kB
MemAvailable:     250 kB
Buffers:           50 kB
`
	if got := usedMemPct(meminfo); got != 75 {
		t.Fatalf("usedMemPct=%v", got)
	}

	if got := usedMemPct("MemAvailable: 250 kB\n"); got != 0 {
		t.Fatalf("missing MemTotal: %v", got)
	}
	if got := usedMemPct(""); got != 0 {
		t.Fatalf("empty meminfo: %v", got)
	}
	// Garbage lines are skipped, not fatal.
	if got := usedMemPct("MemTotal: abc kB\nMemTotal: 1000 kB\nMemAvailable: 500 kB\n"); got != 50 {
		t.Fatalf("garbage line: %v", got)
	}
}
