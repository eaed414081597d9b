package redis

import (
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
)

func offlineClient(t *testing.T, prefix string) *Client {
	t.Helper()
	c := newClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), prefix)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		prefix string
		parts  []string
		want   string
	}{
		{"", []string{"reports"}, "reports"},
		{"omenarb", []string{"reports"}, "omenarb:reports"},
		{"omenarb:", []string{"reports:stream"}, "omenarb:reports:stream"},
		{"omenarb", []string{"pool", "0xabc"}, "omenarb:pool:0xabc"},
	}
	for _, tt := range tests {
		if got := offlineClient(t, tt.prefix).Key(tt.parts...); got != tt.want {
			t.Errorf("prefix %q: Key(%q) = %q, want %q", tt.prefix, tt.parts, got, tt.want)
		}
	}
}

func TestKeySchemas(t *testing.T) {
	c := offlineClient(t, "omenarb")
	tests := []struct {
		name, got, want string
	}{
		{"pool", NewPoolCache(c).key("0xabc"), "omenarb:pool:0xabc"},
		{"lock", NewLockManager(c).key("market:0xabc"), "omenarb:lock:market:0xabc"},
		{"rate limit", NewRateLimiter(c).key("subgraph"), "omenarb:ratelimit:subgraph"},
		{"bus", NewSignalBus(c).name("reports"), "omenarb:reports"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s key = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	if !strings.Contains(slidingWindowLua, "ZREMRANGEBYSCORE") {
		t.Fatal("sliding window script not embedded")
	}
}
