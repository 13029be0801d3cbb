package domain

import "testing"

func TestDefaultThresholdsClassify(t *testing.T) {
	cases := []struct {
		deviation float64
		wantSev   Severity
		wantOK    bool
	}{
		{1.0, 0, false},
		{1.3, SeverityLow, true},
		{1.65, SeverityMinor, true},
		{2.0, SeverityModerate, true},
		{2.6, SeverityMajor, true},
		{3.3, SeverityCritical, true},
		{10, SeverityCritical, true},
	}
	for _, c := range cases {
		sev, ok := DefaultThresholds.Classify(c.deviation)
		if ok != c.wantOK || sev != c.wantSev {
			t.Errorf("Classify(%v) = (%v, %v), want (%v, %v)", c.deviation, sev, ok, c.wantSev, c.wantOK)
		}
	}
}

func TestThresholdAtRoundTrip(t *testing.T) {
	for _, sev := range []Severity{SeverityCritical, SeverityMajor, SeverityModerate, SeverityMinor, SeverityLow} {
		threshold := DefaultThresholds.ThresholdAt(sev)
		got, ok := DefaultThresholds.Classify(threshold)
		if !ok || got != sev {
			t.Errorf("threshold for %v classified as (%v, %v), want itself", sev, got, ok)
		}
	}
}

func TestThresholdsMonotone(t *testing.T) {
	th := WhaleThresholds
	if !(th.Sev5 < th.Sev4 && th.Sev4 < th.Sev3 && th.Sev3 < th.Sev2 && th.Sev2 < th.Sev1) {
		t.Fatalf("whale thresholds not strictly monotone: %+v", th)
	}
}

func TestSeverityName(t *testing.T) {
	if SeverityCritical.Name() != "Critical" {
		t.Errorf("got %q, want Critical", SeverityCritical.Name())
	}
	if Severity(99).Name() != "Unknown" {
		t.Errorf("got %q, want Unknown", Severity(99).Name())
	}
}

func TestSpanAndAmountKeys(t *testing.T) {
	s := Span{Service: "kx-wallet", Operation: "withdraw"}
	if s.Key() != "kx-wallet:withdraw" {
		t.Errorf("Span.Key() = %q", s.Key())
	}
	b := AmountBaseline{OperationType: AmountWithdraw, Asset: "BTC"}
	if b.Key() != "WITHDRAW:BTC" {
		t.Errorf("AmountBaseline.Key() = %q", b.Key())
	}
}
