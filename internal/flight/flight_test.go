package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchCoalescesConcurrentCallers(t *testing.T) {
	g := NewGroup(5 * time.Second)

	var calls int32
	fetch := func(ctx context.Context) (*Result, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(200 * time.Millisecond)
		return &Result{Status: 200, Body: []byte("payload")}, nil
	}

	const waiters = 10
	var wg sync.WaitGroup
	results := make([]*Result, waiters)
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = g.Fetch(context.Background(), "ipfs/Qx", fetch)
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one upstream fetch, got %d", got)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d error: %v", i, errs[i])
		}
		if string(results[i].Body) != "payload" {
			t.Fatalf("waiter %d body mismatch: %s", i, results[i].Body)
		}
	}
}

func TestFetchSharesSameBytes(t *testing.T) {
	g := NewGroup(time.Second)

	fetch := func(ctx context.Context) (*Result, error) {
		return &Result{Status: 200, Body: []byte("shared")}, nil
	}

	var wg sync.WaitGroup
	bodies := make([][]byte, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, _, err := g.Fetch(context.Background(), "k", fetch)
			if err != nil {
				t.Errorf("fetch: %v", err)
				return
			}
			bodies[idx] = res.Body
		}(i)
	}
	wg.Wait()

	if string(bodies[0]) != "shared" || string(bodies[1]) != "shared" {
		t.Fatalf("unexpected bodies: %q %q", bodies[0], bodies[1])
	}
}

func TestFetchErrorDeliveredToAllWaiters(t *testing.T) {
	g := NewGroup(time.Second)
	fetchErr := errors.New("upstream exploded")

	fetch := func(ctx context.Context) (*Result, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, fetchErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = g.Fetch(context.Background(), "boom", fetch)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, fetchErr) {
			t.Fatalf("waiter %d: expected fetch error, got %v", i, err)
		}
	}
}

func TestFetchFailureIsNotCached(t *testing.T) {
	g := NewGroup(time.Second)

	var calls int32
	fetch := func(ctx context.Context) (*Result, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return &Result{Status: 200, Body: []byte("ok")}, nil
	}

	if _, _, err := g.Fetch(context.Background(), "k", fetch); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	res, _, err := g.Fetch(context.Background(), "k", fetch)
	if err != nil {
		t.Fatalf("second attempt should start fresh: %v", err)
	}
	if string(res.Body) != "ok" {
		t.Fatalf("unexpected body: %s", res.Body)
	}
}

func TestWaiterCancellationDoesNotAffectOthers(t *testing.T) {
	g := NewGroup(5 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (*Result, error) {
		close(started)
		<-release
		return &Result{Status: 200, Body: []byte("late")}, nil
	}

	// 第一个调用者发起回源后取消自己的等待
	cancelCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := g.Fetch(cancelCtx, "k", fetch)
		firstErr <- err
	}()
	<-started

	secondRes := make(chan *Result, 1)
	go func() {
		res, _, err := g.Fetch(context.Background(), "k", fetch)
		if err != nil {
			t.Errorf("surviving waiter failed: %v", err)
		}
		secondRes <- res
	}()

	// 给第二个等待者时间挂到同一槽位上
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter should observe context.Canceled, got %v", err)
	}

	close(release)
	select {
	case res := <-secondRes:
		if string(res.Body) != "late" {
			t.Fatalf("unexpected body: %s", res.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("surviving waiter never received result")
	}
}

func TestFetchTimeoutBoundsUpstream(t *testing.T) {
	g := NewGroup(50 * time.Millisecond)

	fetch := func(ctx context.Context) (*Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &Result{Status: 200}, nil
		}
	}

	_, _, err := g.Fetch(context.Background(), "slow", fetch)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
