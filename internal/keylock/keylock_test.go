package keylock_test

import (
	"sync"
	"testing"

	"MarketSettle/internal/keylock"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := keylock.New()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("acct-1")
			counter++
			km.Unlock("acct-1")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := keylock.New()
	km.Lock("a")

	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()
	<-done // must not deadlock while "a" is held

	km.Unlock("a")
}

func TestKeyedMutex_UnheldPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on unlock of unheld key")
		}
	}()
	keylock.New().Unlock("nope")
}
