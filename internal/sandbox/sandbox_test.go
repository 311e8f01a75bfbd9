package sandbox

import (
	"testing"
	"time"
)

func TestNewManagerDoesNotRequireALiveDaemon(t *testing.T) {
	// client.NewClientWithOpts only builds a client; it does not dial the
	// daemon, so construction succeeds even with no Docker running —
	// NewSandboxedCompanyResearchTool's wiring depends on this to degrade
	// gracefully rather than abort startup.
	m, err := NewManager("", time.Minute, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if m == nil {
		t.Fatal("NewManager() = nil, want a Manager")
	}
}

func TestInt64Ptr(t *testing.T) {
	p := int64Ptr(64)
	if p == nil || *p != 64 {
		t.Errorf("int64Ptr(64) = %v, want pointer to 64", p)
	}
}
