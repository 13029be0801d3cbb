package streamanalyzer

import "testing"

func TestAnalysisCachePutGetRoundTrips(t *testing.T) {
	c, err := newAnalysisCache()
	if err != nil {
		t.Fatalf("newAnalysisCache() error = %v", err)
	}
	c.put("a1", "high latency on kx-wallet:withdraw")

	got, ok := c.get("a1")
	if !ok || got != "high latency on kx-wallet:withdraw" {
		t.Fatalf("get(a1) = (%q, %v)", got, ok)
	}
}

func TestAnalysisCacheMissReturnsFalse(t *testing.T) {
	c, _ := newAnalysisCache()
	if _, ok := c.get("missing"); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestAnalysisCacheEvictsOldestAtCapacity(t *testing.T) {
	c, _ := newAnalysisCache()
	for i := 0; i < analysisCacheCapacity+5; i++ {
		c.put(keyFor(i), "text")
	}
	if _, ok := c.get(keyFor(0)); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.get(keyFor(analysisCacheCapacity + 4)); !ok {
		t.Error("newest entry should still be present")
	}
	if len(c.entries) != analysisCacheCapacity {
		t.Errorf("entries = %d, want %d", len(c.entries), analysisCacheCapacity)
	}
}

func keyFor(i int) string {
	return "anomaly-" + string(rune('a'+i%26)) + string(rune(i))
}
