package busbridge

import (
	"errors"
	"testing"
)

func TestRuntimeExportsPropagateErrors(t *testing.T) {
	if _, err := New(nil, NewNopLogger(), nil, Dependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}

	cfg := FromEnv()
	cfg.ConsumeQueue = "events"
	if _, err := New(cfg, nil, nil, Dependencies{}); !errors.Is(err, ErrLoggerRequired) {
		t.Fatalf("expected logger required error, got %v", err)
	}
}

func TestStateExports(t *testing.T) {
	if StateConnected.String() != "connected" {
		t.Fatalf("unexpected state string %q", StateConnected.String())
	}
}

func TestInstanceIDExport(t *testing.T) {
	id := NewInstanceID("svc")
	if id == "" {
		t.Fatal("expected non-empty instance id")
	}
}
