package llmprovider

import (
	"testing"
	"time"
)

func TestDefaultGRPCClientConfig(t *testing.T) {
	cfg := DefaultGRPCClientConfig("localhost:50051")
	if cfg.Address != "localhost:50051" {
		t.Errorf("Address = %q, want localhost:50051", cfg.Address)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.ConnectTimeout)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
	if cfg.KeepaliveTime != 2*time.Minute {
		t.Errorf("KeepaliveTime = %v, want 2m", cfg.KeepaliveTime)
	}
}

func TestNewGRPCProviderFailsOnUnreachableAddress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow connect-timeout test in -short mode")
	}
	_, err := NewGRPCProvider("127.0.0.1:1", nil)
	if err == nil {
		t.Error("NewGRPCProvider() error = nil, want readiness error against an unreachable address")
	}
}

func TestCloseOnNilConnIsSafe(t *testing.T) {
	p := &GRPCProvider{}
	p.Close()
}
