package redis

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestShareCounterKey(t *testing.T) {
	at := time.Unix(1_700_000_030, 0)

	tests := []struct {
		name     string
		accepted bool
		want     string
	}{
		{"accepted", true, "proxy:shares:accepted:miner.1:28333333"},
		{"rejected", false, "proxy:shares:rejected:miner.1:28333333"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShareCounterKey("miner.1", tt.accepted, at); got != tt.want {
				t.Errorf("ShareCounterKey() = %s, want %s", got, tt.want)
			}
		})
	}

	// Same minute, same bucket
	if ShareCounterKey("u", true, at) != ShareCounterKey("u", true, at.Add(20*time.Second)) {
		t.Error("shares within one minute should share a counter")
	}
}

func TestKeys(t *testing.T) {
	if got := RateLimitKey("10.0.0.1"); got != "proxy:ratelimit:10.0.0.1" {
		t.Errorf("RateLimitKey() = %s", got)
	}
	if got := LastJobKey("miner.1"); got != "lastjob:miner.1" {
		t.Errorf("LastJobKey() = %s", got)
	}
}

func TestAllowConnection_Unlimited(t *testing.T) {
	// A non-positive limit never touches Redis
	var c *Client
	for _, limit := range []int{0, -1} {
		ok, err := c.AllowConnection(context.Background(), "10.0.0.1", limit)
		if err != nil || !ok {
			t.Errorf("AllowConnection(limit=%d) = %v, %v; want true, nil", limit, ok, err)
		}
	}
}

func TestNewClient_Unreachable(t *testing.T) {
	_, err := NewClient(&Config{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	if err == nil {
		t.Fatal("NewClient() expected error for unreachable server")
	}
	if !strings.Contains(err.Error(), "failed to ping Redis") {
		t.Errorf("unexpected error: %v", err)
	}
}
