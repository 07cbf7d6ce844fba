package scep

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestU_NonceRegistry_AddContains(t *testing.T) {
	r := NewNonceRegistry(4)
	n := mustNonce(t)

	if r.Contains(n) {
		t.Fatal("Contains() = true before Add")
	}
	r.Add(n)
	r.Add(n)
	if !r.Contains(n) {
		t.Error("Contains() = false after Add")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestU_NonceRegistry_CheckAndAdd(t *testing.T) {
	r := NewNonceRegistry(4)
	n := mustNonce(t)

	if !r.CheckAndAdd(n) {
		t.Error("first CheckAndAdd() = false, want true")
	}
	if r.CheckAndAdd(n) {
		t.Error("second CheckAndAdd() = true, want false")
	}
}

func TestU_NonceRegistry_EvictsOldestFirst(t *testing.T) {
	r := NewNonceRegistry(3)
	nonces := []Nonce{mustNonce(t), mustNonce(t), mustNonce(t), mustNonce(t)}
	for _, n := range nonces {
		r.Add(n)
	}

	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
	if r.Contains(nonces[0]) {
		t.Error("oldest nonce still retained")
	}
	for _, n := range nonces[1:] {
		if !r.Contains(n) {
			t.Errorf("nonce %s evicted too early", n)
		}
	}
}

func TestU_NonceRegistry_DefaultCapacity(t *testing.T) {
	r := NewNonceRegistry(0)
	if r.capacity != DefaultNonceCapacity {
		t.Errorf("capacity = %d, want %d", r.capacity, DefaultNonceCapacity)
	}
}

func TestU_NonceRegistry_ConcurrentCheckAndAdd(t *testing.T) {
	r := NewNonceRegistry(16)
	n := mustNonce(t)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.CheckAndAdd(n) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != 1 {
		t.Errorf("accepted %d times, want 1", got)
	}
}
