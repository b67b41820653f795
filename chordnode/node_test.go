package chordnode

import (
	"context"
	"testing"
	"time"

	"chordring/internal/logger"
)

func TestSoloRingQueryReturnsSelfAndMapFailsWithoutSuccessor(t *testing.T) {
	n, err := New(logger.Nop(), 16, "127.0.0.1", 0, 9001, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	if n.State() != Servicing {
		t.Fatalf("State() = %v, want Servicing", n.State())
	}

	ip, port, err := n.Query(context.Background(), "x", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ip != "127.0.0.1" || port != 9001 {
		t.Fatalf("Query() = (%s, %d), want (127.0.0.1, 9001)", ip, port)
	}

	if _, err := n.GetChordMap(context.Background()); err != ErrNoSuccessor {
		t.Fatalf("GetChordMap() err = %v, want ErrNoSuccessor", err)
	}

	if n.HasNotification() {
		t.Fatal("unexpected notification on a freshly started solo ring")
	}
}

func TestStartBeforeInitFails(t *testing.T) {
	n, err := New(logger.Nop(), 16, "127.0.0.1", 0, 9001, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(); err != ErrNotInitialized {
		t.Fatalf("Start() err = %v, want ErrNotInitialized", err)
	}
}

func TestQueryRespectsTimeout(t *testing.T) {
	n, err := New(logger.Nop(), 16, "127.0.0.1", 0, 9001, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = n.Init()
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	start := time.Now()
	_, _, err = n.Query(context.Background(), "x", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Query on a solo ring should never time out, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("Query took %v, expected an immediate solo-ring answer", elapsed)
	}
}
