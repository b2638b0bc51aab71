package reqcache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/playhouse-dev/playhouse/playhouseerr"
)

func TestCompleteResolvesExactlyOnce(t *testing.T) {
	c := New()
	seq := c.NextSeq()

	var calls int
	var mu sync.Mutex
	done := make(chan struct{}, 2)

	err := c.Register(seq, time.Second, func(reply any, err error) {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	c.Complete(seq, "ok")
	c.Complete(seq, "ok-again") // must be a no-op: already resolved

	<-done
	select {
	case <-done:
		t.Fatal("resolver invoked twice")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestTimeoutResolvesAfterDeadline(t *testing.T) {
	c := New()
	seq := c.NextSeq()

	result := make(chan error, 1)
	if err := c.Register(seq, 20*time.Millisecond, func(reply any, err error) {
		result <- err
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	select {
	case err := <-result:
		if playhouseerr.CodeOf(err) != playhouseerr.Timeout {
			t.Errorf("error code = %v, want Timeout", playhouseerr.CodeOf(err))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout resolver never fired")
	}

	if c.Len() != 0 {
		t.Errorf("cache len = %d, want 0 after timeout", c.Len())
	}
}

func TestRegisterDuplicateSeqRejected(t *testing.T) {
	c := New()
	seq := c.NextSeq()

	if err := c.Register(seq, time.Second, func(any, error) {}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := c.Register(seq, time.Second, func(any, error) {}); !errors.Is(err, ErrCacheFull) {
		t.Errorf("duplicate register should fail with ErrCacheFull, got %v", err)
	}
}

func TestNextSeqSkipsZero(t *testing.T) {
	c := &Cache{entries: make(map[uint16]*entry), nextSeq: 0xFFFF}
	seq := c.NextSeq()
	if seq == 0 {
		t.Error("NextSeq must never return 0 (reserved for push)")
	}
}

func TestFailAllResolvesEveryPendingEntry(t *testing.T) {
	c := New()
	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		seq := c.NextSeq()
		c.Register(seq, time.Second, func(reply any, err error) { results <- err })
	}

	c.FailAll(playhouseerr.New(playhouseerr.Disconnected))

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			if playhouseerr.CodeOf(err) != playhouseerr.Disconnected {
				t.Errorf("error = %v, want Disconnected", err)
			}
		case <-time.After(time.Second):
			t.Fatal("FailAll did not resolve all entries")
		}
	}
}
