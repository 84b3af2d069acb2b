package modelthread

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestDoRunsInOrder(t *testing.T) {
	l := New(4)
	defer l.Stop()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		if err := l.Do(context.Background(), func() error {
			got = append(got, i)
			return nil
		}); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got %v", got)
		}
	}
}

func TestDoReturnsError(t *testing.T) {
	l := New(1)
	defer l.Stop()
	want := errors.New("boom")
	if err := l.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentWorkersSerialize(t *testing.T) {
	l := New(8)
	defer l.Stop()

	counter := 0
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = l.Do(context.Background(), func() error {
					counter++
					return nil
				})
			}
		}()
	}
	wg.Wait()
	if counter != 800 {
		t.Fatalf("counter = %d", counter)
	}
}

func TestPostAndStop(t *testing.T) {
	l := New(16)
	ran := 0
	for i := 0; i < 5; i++ {
		if err := l.Post(func() { ran++ }); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	l.Stop()
	if ran != 5 {
		t.Fatalf("queued tasks should run before stop, ran %d", ran)
	}
	if err := l.Post(func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Post after Stop: %v", err)
	}
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l := New(1)
	defer l.Stop()
	_ = l.Post(func() { panic("bad") })
	if err := l.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("loop died: %v", err)
	}
}
