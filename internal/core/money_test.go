package core

import "testing"

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in  string
		out float64
		ok  bool
	}{
		{"1", 1, true},
		{"1.0", 1, true},
		{"1.23", 1.23, true},
		{"1,23", 1.23, true},
		{"0.01", 0.01, true},
		{"1.005", 1.01, true}, // half away from zero
		{" 2.50 ", 2.5, true},
		{"$1 200", 1200, true},
		{"-1", 0, false},
		{"0", 0, false},
		{"0.001", 0, false},
		{"abc", 0, false},
		{"1.2.3", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil || got != tc.out {
				t.Fatalf("%q expected %v, got %v (err=%v)", tc.in, tc.out, got, err)
			}
		} else if err == nil {
			t.Fatalf("%q expected error", tc.in)
		}
	}
}

func TestRoundCents(t *testing.T) {
	cases := map[float64]float64{
		1000:       1000,
		333.333333: 333.33,
		0.125:      0.13,
		2.004999:   2,
	}
	for in, want := range cases {
		if got := RoundCents(in); got != want {
			t.Errorf("RoundCents(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestPercent(t *testing.T) {
	if got := Percent(0.5); got != 50 {
		t.Fatalf("Percent(0.5) = %d", got)
	}
	if got := Percent(1.0 / 3.0); got != 33 {
		t.Fatalf("Percent(1/3) = %d", got)
	}
	if got := Percent(0); got != 0 {
		t.Fatalf("Percent(0) = %d", got)
	}
}
