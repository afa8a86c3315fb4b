package session

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestGateRejectsWhileBusy(t *testing.T) {
	g := NewGate()
	if !g.TryEnter("q") {
		t.Fatalf("Expected first enter to succeed")
	}
	if g.TryEnter("q") {
		t.Fatalf("Expected second enter to be rejected")
	}
	if !g.TryEnter("other") {
		t.Errorf("Expected independent key to be free")
	}
	g.Exit("q")
	if !g.TryEnter("q") {
		t.Errorf("Expected key to be reusable after exit")
	}
}

func TestGateExitIdleKey(t *testing.T) {
	g := NewGate()
	g.Exit("never-entered")
	if g.Busy("never-entered") {
		t.Errorf("Expected idle key to stay idle")
	}
}

func TestGateDoReleasesOnPanic(t *testing.T) {
	g := NewGate()
	func() {
		defer func() { _ = recover() }()
		g.Do("q", func() { panic("boom") })
	}()
	if g.Busy("q") {
		t.Fatalf("Expected key released after panic")
	}
}

func TestGateConcurrentEnter(t *testing.T) {
	g := NewGate()
	var admitted int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.TryEnter("q") {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if admitted != 1 {
		t.Errorf("Expected exactly one admission, got %d", admitted)
	}
}
