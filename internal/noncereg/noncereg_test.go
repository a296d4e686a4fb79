package noncereg

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConsumeFirstUseWins(t *testing.T) {
	r := New(NamespaceAuth, time.Minute)
	n, err := NewNonce()
	if err != nil {
		t.Fatalf("new nonce failed: %v", err)
	}
	if !r.Consume(n) {
		t.Fatalf("first consume rejected")
	}
	if r.Consume(n) {
		t.Fatalf("second consume accepted")
	}
	if !r.Seen(n) {
		t.Fatalf("consumed nonce not recorded")
	}
}

func TestConsumeConcurrentExactlyOneSuccess(t *testing.T) {
	r := New(NamespaceAuth, time.Minute)
	n, err := NewNonce()
	if err != nil {
		t.Fatalf("new nonce failed: %v", err)
	}
	const workers = 64
	var successes atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if r.Consume(n) {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if got := successes.Load(); got != 1 {
		t.Fatalf("expected exactly one success, got %d", got)
	}
}

func TestNamespacesAreDisjoint(t *testing.T) {
	authReg := New(NamespaceAuth, time.Minute)
	payReg := New(NamespacePayment, time.Minute)
	n, err := NewNonce()
	if err != nil {
		t.Fatalf("new nonce failed: %v", err)
	}
	if !authReg.Consume(n) {
		t.Fatalf("auth consume rejected")
	}
	// The same value is fresh in the payment namespace.
	if !payReg.Consume(n) {
		t.Fatalf("payment namespace observed auth nonce")
	}
}

func TestConsumeEmptyNonce(t *testing.T) {
	r := New(NamespaceAuth, time.Minute)
	if r.Consume("") {
		t.Fatalf("empty nonce accepted")
	}
}

func TestNewNonceIsFresh(t *testing.T) {
	a, err := NewNonce()
	if err != nil {
		t.Fatalf("new nonce failed: %v", err)
	}
	b, err := NewNonce()
	if err != nil {
		t.Fatalf("new nonce failed: %v", err)
	}
	if len(a) != 64 || len(b) != 64 {
		t.Fatalf("unexpected nonce length: %d, %d", len(a), len(b))
	}
	if a == b {
		t.Fatalf("two nonces collided")
	}
}
