package devlock

import (
	"errors"
	"sync"
	"testing"
)

func TestTryAcquire_RejectsSecond(t *testing.T) {
	r := NewRegistry()

	release, err := r.TryAcquire("/dev/sdb", "write")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if _, err := r.TryAcquire("/dev/sdb", "verify"); !errors.Is(err, ErrAlreadyInProgress) {
		t.Errorf("expected ErrAlreadyInProgress, got %v", err)
	}

	// Unclean spelling of the same path is the same device.
	if _, err := r.TryAcquire("/dev//sdb", "write"); !errors.Is(err, ErrAlreadyInProgress) {
		t.Errorf("expected ErrAlreadyInProgress for equivalent path, got %v", err)
	}

	// Other devices are independent.
	other, err := r.TryAcquire("/dev/sdc", "write")
	if err != nil {
		t.Fatalf("acquire of other device failed: %v", err)
	}
	other()

	release()
	release()

	again, err := r.TryAcquire("/dev/sdb", "write")
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	again()
}

func TestTryAcquire_Concurrent(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.TryAcquire("/dev/sdd", "write"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
	if holder, ok := r.Holder("/dev/sdd"); !ok || holder != "write" {
		t.Errorf("unexpected holder %q %v", holder, ok)
	}
}
