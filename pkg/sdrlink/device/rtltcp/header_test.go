package rtltcp

import "testing"

func TestParseDongleInfo(t *testing.T) {
	tests := []struct {
		name      string
		in        []byte
		wantOK    bool
		wantTuner TunerType
		wantGains uint32
	}{
		{"r820t", greeting(TunerR820T, 29), true, TunerR820T, 29},
		{"e4000", greeting(TunerE4000, 14), true, TunerE4000, 14},
		{"short", []byte("RTL0"), false, TunerUnknown, 0},
		{"samples", pattern(12, 127, 128), false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := parseDongleInfo(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("parseDongleInfo() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if info.Tuner != tt.wantTuner || info.GainCount != tt.wantGains {
				t.Errorf("parseDongleInfo() = %s", info)
			}
		})
	}
}

func TestTunerTypeGains(t *testing.T) {
	tests := []struct {
		tuner TunerType
		name  string
		count int
	}{
		{TunerUnknown, "UNKNOWN", 0},
		{TunerE4000, "E4000", 14},
		{TunerFC0012, "FC0012", 5},
		{TunerFC0013, "FC0013", 23},
		{TunerFC2580, "FC2580", 1},
		{TunerR820T, "R820T", 29},
		{TunerR828D, "R828D", 29},
		{TunerType(42), "UNKNOWN", 0},
	}
	for _, tt := range tests {
		if got := tt.tuner.String(); got != tt.name {
			t.Errorf("TunerType(%d).String() = %q, want %q", tt.tuner, got, tt.name)
		}
		if got := len(tt.tuner.Gains()); got != tt.count {
			t.Errorf("len(%s.Gains()) = %d, want %d", tt.name, got, tt.count)
		}
	}
}

func TestConnectionStateString(t *testing.T) {
	for state, want := range map[ConnectionState]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Ready:        "ready",
		Closing:      "closing",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(state), got, want)
		}
	}
}
