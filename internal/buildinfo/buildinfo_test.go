package buildinfo

import (
	"strings"
	"testing"
)

func TestFormatClientMeta_Order(t *testing.T) {
	got := FormatClientMeta()
	parts := strings.Split(got, ",")
	if len(parts) != 3 {
		t.Fatalf("expected 3 client-meta pairs, got %d (%q)", len(parts), got)
	}
	prefixes := []string{"go=", "t=", "hn="}
	for i, want := range prefixes {
		if !strings.HasPrefix(parts[i], want) {
			t.Errorf("pair %d: expected prefix %q, got %q", i, want, parts[i])
		}
	}
}

func TestUserAgent_ContainsProduct(t *testing.T) {
	ua := UserAgent()
	if !strings.Contains(ua, "elastic-transport-go/") {
		t.Errorf("expected UserAgent to contain product name, got %q", ua)
	}
}

func TestUptime_NonNegative(t *testing.T) {
	if Uptime() < 0 {
		t.Errorf("expected non-negative uptime")
	}
}
