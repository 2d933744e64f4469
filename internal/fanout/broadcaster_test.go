package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/onebot-relay/internal/model"
)

func testEvent(seq int64) model.Event {
	return model.Event{Time: seq, SelfID: 1, PostType: model.PostTypeNotice}
}

func recvTimeout(t *testing.T, r Receiver) (model.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return r.Recv(ctx)
}

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	b := New(Config{BufferSize: 10}, nil, nil)
	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		n, err := b.Publish(testEvent(i))
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Publish reached %d subscribers, want 1", n)
		}
	}

	for i := int64(1); i <= 5; i++ {
		ev, err := recvTimeout(t, sub)
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if ev.Time != i {
			t.Errorf("event %d has Time %d", i, ev.Time)
		}
	}
}

func TestBroadcaster_NoDeliveryBeforeSubscribe(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)

	if n, err := b.Publish(testEvent(1)); err != nil || n != 0 {
		t.Fatalf("Publish = (%d, %v), want (0, nil)", n, err)
	}

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	b.Publish(testEvent(2))

	ev, err := recvTimeout(t, sub)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if ev.Time != 2 {
		t.Errorf("first event Time = %d, want 2 (event 1 predates the subscription)", ev.Time)
	}
}

func TestBroadcaster_LagSignalThenContinue(t *testing.T) {
	b := New(Config{BufferSize: 3}, nil, nil)

	slow, _ := b.Subscribe()
	defer slow.Close()
	fast, _ := b.Subscribe()
	defer fast.Close()

	var fastGot []int64
	for i := int64(1); i <= 8; i++ {
		b.Publish(testEvent(i))
		ev, err := recvTimeout(t, fast)
		if err != nil {
			t.Fatalf("fast Recv failed: %v", err)
		}
		fastGot = append(fastGot, ev.Time)
	}

	_, err := recvTimeout(t, slow)
	var lagErr *LagError
	if !errors.As(err, &lagErr) {
		t.Fatalf("slow Recv err = %v, want *LagError", err)
	}
	if lagErr.Missed != 5 {
		t.Errorf("Missed = %d, want 5", lagErr.Missed)
	}

	for _, want := range []int64{6, 7, 8} {
		ev, err := recvTimeout(t, slow)
		if err != nil {
			t.Fatalf("slow Recv after lag failed: %v", err)
		}
		if ev.Time != want {
			t.Errorf("slow got Time %d, want %d", ev.Time, want)
		}
	}

	if len(fastGot) != 8 {
		t.Errorf("fast subscriber got %d events, want 8", len(fastGot))
	}
	for i, v := range fastGot {
		if v != int64(i+1) {
			t.Errorf("fast event %d = %d", i, v)
		}
	}

	if got := slow.Stats().Lagged; got != 5 {
		t.Errorf("slow Stats().Lagged = %d, want 5", got)
	}
	if got := b.Stats().Lagged; got != 5 {
		t.Errorf("broadcaster Stats().Lagged = %d, want 5", got)
	}
}

func TestBroadcaster_SubscribeSize(t *testing.T) {
	b := New(Config{BufferSize: 2}, nil, nil)

	big, err := b.SubscribeSize(5)
	if err != nil {
		t.Fatalf("SubscribeSize failed: %v", err)
	}
	defer big.Close()
	small, _ := b.SubscribeSize(0)
	defer small.Close()

	for i := int64(1); i <= 5; i++ {
		b.Publish(testEvent(i))
	}

	for want := int64(1); want <= 5; want++ {
		ev, err := recvTimeout(t, big)
		if err != nil {
			t.Fatalf("big Recv failed: %v", err)
		}
		if ev.Time != want {
			t.Errorf("big got Time %d, want %d", ev.Time, want)
		}
	}

	_, err = recvTimeout(t, small)
	var lagErr *LagError
	if !errors.As(err, &lagErr) || lagErr.Missed != 3 {
		t.Errorf("small Recv err = %v, want lag of 3", err)
	}
}

func TestBroadcaster_CloseDrainsThenErrClosed(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	sub, _ := b.Subscribe()

	b.Publish(testEvent(1))
	b.Close()
	b.Close()

	if ev, err := recvTimeout(t, sub); err != nil || ev.Time != 1 {
		t.Fatalf("Recv = (%v, %v), want buffered event", ev.Time, err)
	}
	if _, err := recvTimeout(t, sub); !errors.Is(err, ErrClosed) {
		t.Errorf("Recv after close err = %v, want ErrClosed", err)
	}

	if _, err := b.Publish(testEvent(2)); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after close err = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after close err = %v, want ErrClosed", err)
	}
}

func TestBroadcaster_CloseWakesBlockedReceiver(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	sub, _ := b.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Recv(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Recv was not woken by Close")
	}
}

func TestSubscription_CloseUnsubscribes(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	sub, _ := b.Subscribe()
	other, _ := b.Subscribe()
	defer other.Close()

	if b.SubscriberCount() != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", b.SubscriberCount())
	}

	sub.Close()
	sub.Close()

	if b.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount after Close = %d, want 1", b.SubscriberCount())
	}
	if n, _ := b.Publish(testEvent(1)); n != 1 {
		t.Errorf("Publish reached %d, want 1", n)
	}
	if _, err := recvTimeout(t, sub); !errors.Is(err, ErrClosed) {
		t.Errorf("Recv on closed subscription err = %v, want ErrClosed", err)
	}
}

func TestSubscription_RecvHonoursContext(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	sub, _ := b.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := sub.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestBroadcaster_ConcurrentPublishers(t *testing.T) {
	const publishers, perPublisher = 4, 50

	b := New(Config{BufferSize: publishers * perPublisher}, nil, nil)
	sub, _ := b.Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish(testEvent(int64(i)))
			}
		}()
	}
	wg.Wait()

	if got := sub.Stats().Buffered; got != publishers*perPublisher {
		t.Errorf("Buffered = %d, want %d", got, publishers*perPublisher)
	}
	if got := b.Stats().Published; got != publishers*perPublisher {
		t.Errorf("Published = %d, want %d", got, publishers*perPublisher)
	}
}
