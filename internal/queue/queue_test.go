package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPutGetFIFOOrder(t *testing.T) {
	q := New[int](4)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := q.Put(ctx, i); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	for i := 0; i < 4; i++ {
		v, ok, err := q.Get(ctx)
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if v != i {
			t.Fatalf("expected %d, got %d", i, v)
		}
	}
}

func TestPutBlocksWhenFull(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()
	if err := q.Put(ctx, 1); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		_ = q.Put(ctx, 2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Put on full queue should have blocked")
	case <-time.After(20 * time.Millisecond):
	}

	if _, _, err := q.Get(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put should have unblocked after Get")
	}
}

func TestCloseDrainsThenSignalsClosed(t *testing.T) {
	q := New[int](4)
	ctx := context.Background()
	_ = q.Put(ctx, 1)
	_ = q.Put(ctx, 2)
	q.Close()

	for _, want := range []int{1, 2} {
		v, ok, err := q.Get(ctx)
		if err != nil || !ok || v != want {
			t.Fatalf("expected %d, got v=%d ok=%v err=%v", want, v, ok, err)
		}
	}
	_, ok, err := q.Get(ctx)
	if err != nil || ok {
		t.Fatalf("expected closed queue, got ok=%v err=%v", ok, err)
	}
}

func TestContextCancellation(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := q.Get(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestProducerGoroutinePreservesFIFOOrder(t *testing.T) {
	q := New[int](8)
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = q.Put(ctx, i)
		}
		q.Close()
	}()

	var got []int
	for {
		v, ok, err := q.Get(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, v)
	}
	wg.Wait()
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at %d: got %d", i, v)
		}
	}
}
