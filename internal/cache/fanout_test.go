package cache

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fanoutFixture struct {
	window *Window
	fanout *Fanout
	next   uint64
}

func newFanoutFixture(t *testing.T, initialized bool) *fanoutFixture {
	t.Helper()
	w := NewWindow(10, 0)
	if initialized {
		w.SetInitialization(videoInit)
	}
	return &fanoutFixture{window: w, fanout: NewFanout(w, 8, discardLogger())}
}

// push appends a segment and notifies the fan-out the way the cache does.
func (f *fanoutFixture) push(t *testing.T, key bool) Segment {
	t.Helper()
	seg := makeSegment(f.next, ms(int(f.next)*1000), key)
	require.NoError(t, f.window.Append(seg))
	f.next++
	f.fanout.Notify(Event{Type: EventSegment, Generation: f.window.Generation(), Segment: &seg})
	return seg
}

func (f *fanoutFixture) reset() {
	gen := f.window.Reset()
	f.next = 0
	f.fanout.Notify(Event{Type: EventReset, Generation: gen})
}

func receive(t *testing.T, sub *Subscription) Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func assertNoDelivery(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		if ok {
			t.Fatalf("unexpected delivery of %d segments", len(d.Segments))
		}
	default:
	}
}

func assertClosed(t *testing.T, sub *Subscription, reason error) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Equal(t, Closed, sub.State())
	if reason == nil {
		assert.NoError(t, sub.Err())
	} else {
		assert.ErrorIs(t, sub.Err(), reason)
	}
}

func sequences(segs []Segment) []uint64 {
	out := make([]uint64, len(segs))
	for i, s := range segs {
		out[i] = s.Sequence
	}
	return out
}

func TestFanout_ReplayThenFuture(t *testing.T) {
	f := newFanoutFixture(t, true)
	s0 := f.push(t, true)
	s1 := f.push(t, true)
	s2 := f.push(t, true)

	sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: ReplayThenFuture})
	require.NoError(t, err)

	replay := receive(t, sub)
	assert.True(t, replay.Replay)
	assert.Equal(t, []uint64{0, 1, 2}, sequences(replay.Segments))
	assert.Equal(t, bytes.Join([][]byte{s0.Data, s1.Data, s2.Data}, nil), replay.Data)
	assert.Equal(t, Streaming, sub.State())

	// a late notification for a replayed segment is not delivered twice
	f.fanout.Notify(Event{Type: EventSegment, Generation: f.window.Generation(), Segment: &s2})
	assertNoDelivery(t, sub)

	s3 := f.push(t, false)
	s4 := f.push(t, true)

	d := receive(t, sub)
	assert.False(t, d.Replay)
	assert.Equal(t, []uint64{3}, sequences(d.Segments))
	assert.Equal(t, s3.Data, d.Data)

	d = receive(t, sub)
	assert.Equal(t, []uint64{4}, sequences(d.Segments))
	assert.Equal(t, s4.Data, d.Data)

	assertNoDelivery(t, sub)
	assert.Equal(t, 3, sub.Delivered())
}

func TestFanout_ReplayFromRecentKeyframes(t *testing.T) {
	f := newFanoutFixture(t, true)
	for _, key := range []bool{true, false, true, false, false} {
		f.push(t, key)
	}

	sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: ReplayThenFuture, ReplayKeyframes: 1})
	require.NoError(t, err)

	d := receive(t, sub)
	assert.Equal(t, []uint64{2, 3, 4}, sequences(d.Segments))
}

func TestFanout_ReplayWithoutKeyframeWaitsForLive(t *testing.T) {
	f := newFanoutFixture(t, true)
	f.push(t, false)

	sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: ReplayThenFuture})
	require.NoError(t, err)
	assertNoDelivery(t, sub)
	assert.Equal(t, AwaitingFirstSend, sub.State())

	f.push(t, true)
	d := receive(t, sub)
	assert.Equal(t, []uint64{1}, sequences(d.Segments))
}

func TestFanout_NextOnly(t *testing.T) {
	f := newFanoutFixture(t, true)
	f.push(t, true)

	sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: NextOnly})
	require.NoError(t, err)
	assertNoDelivery(t, sub)
	assert.Equal(t, 1, f.fanout.Len())

	f.push(t, false)
	d := receive(t, sub)
	assert.Equal(t, []uint64{1}, sequences(d.Segments))

	assertClosed(t, sub, nil)
	assert.Equal(t, 0, f.fanout.Len())

	_, ok := <-sub.Deliveries()
	assert.False(t, ok)
}

func TestFanout_RequestedTimestamp(t *testing.T) {
	f := newFanoutFixture(t, true)
	f.push(t, true) // 0ms
	f.push(t, true) // 1000ms
	f.push(t, true) // 2000ms

	t.Run("next only takes the first newer buffered segment", func(t *testing.T) {
		ts := ms(500)
		sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: NextOnly, RequestedTimestamp: &ts})
		require.NoError(t, err)

		d := receive(t, sub)
		assert.True(t, d.Replay)
		assert.Equal(t, []uint64{1}, sequences(d.Segments))
		assertClosed(t, sub, nil)
	})

	t.Run("all future replays every newer buffered segment", func(t *testing.T) {
		ts := ms(500)
		sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: AllFuture, RequestedTimestamp: &ts})
		require.NoError(t, err)
		defer f.fanout.Unsubscribe(sub.ID)

		d := receive(t, sub)
		assert.Equal(t, []uint64{1, 2}, sequences(d.Segments))
		assert.Equal(t, Streaming, sub.State())
	})

	t.Run("unsatisfied timestamp waits for the next segment", func(t *testing.T) {
		ts := ms(2000)
		sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: NextOnly, RequestedTimestamp: &ts})
		require.NoError(t, err)
		assertNoDelivery(t, sub)

		f.push(t, true)
		d := receive(t, sub)
		assert.Equal(t, []uint64{3}, sequences(d.Segments))
		assertClosed(t, sub, nil)
	})
}

func TestFanout_AllFutureSkipsHistory(t *testing.T) {
	f := newFanoutFixture(t, true)
	f.push(t, true)
	f.push(t, true)

	sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: AllFuture})
	require.NoError(t, err)
	assertNoDelivery(t, sub)

	f.push(t, true)
	d := receive(t, sub)
	assert.Equal(t, []uint64{2}, sequences(d.Segments))
}

func TestFanout_IncludeInit(t *testing.T) {
	f := newFanoutFixture(t, true)

	sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: AllFuture, IncludeInit: true})
	require.NoError(t, err)

	s0 := f.push(t, true)
	s1 := f.push(t, true)

	d := receive(t, sub)
	assert.True(t, d.Init)
	assert.Equal(t, append(append([]byte{}, videoInit.Data...), s0.Data...), d.Data)

	d = receive(t, sub)
	assert.False(t, d.Init)
	assert.Equal(t, s1.Data, d.Data)
}

func TestFanout_WaitForKeyframe(t *testing.T) {
	f := newFanoutFixture(t, true)

	sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: AllFuture, WaitForKeyframe: true})
	require.NoError(t, err)

	f.push(t, false)
	f.push(t, false)
	assertNoDelivery(t, sub)

	f.push(t, true)
	f.push(t, false)

	assert.Equal(t, []uint64{2}, sequences(receive(t, sub).Segments))
	assert.Equal(t, []uint64{3}, sequences(receive(t, sub).Segments))
}

func TestFanout_ResetClosesSubscribers(t *testing.T) {
	f := newFanoutFixture(t, true)

	sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: AllFuture})
	require.NoError(t, err)

	f.push(t, true)
	f.reset()

	assertClosed(t, sub, ErrReset)
	assert.Equal(t, 0, f.fanout.Len())

	// queued deliveries are still readable after the close
	d := receive(t, sub)
	assert.Equal(t, []uint64{0}, sequences(d.Segments))
	_, ok := <-sub.Deliveries()
	assert.False(t, ok)
}

func TestFanout_ReinitializationClosesOlderGeneration(t *testing.T) {
	f := newFanoutFixture(t, true)

	old, err := f.fanout.Subscribe(SubscribeOptions{Mode: AllFuture})
	require.NoError(t, err)

	gen := f.window.SetInitialization(videoInit)
	f.next = 0

	current, err := f.fanout.Subscribe(SubscribeOptions{Mode: AllFuture})
	require.NoError(t, err)
	defer f.fanout.Unsubscribe(current.ID)

	// the initialized event may arrive after a new subscriber joined
	f.fanout.Notify(Event{Type: EventInitialized, Generation: gen, Init: videoInit})

	assertClosed(t, old, ErrReset)
	assert.Equal(t, AwaitingFirstSend, current.State())

	f.push(t, true)
	assert.Equal(t, []uint64{0}, sequences(receive(t, current).Segments))
}

func TestFanout_SlowConsumer(t *testing.T) {
	f := newFanoutFixture(t, true)

	sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: AllFuture, QueueSize: 1})
	require.NoError(t, err)

	f.push(t, true)
	f.push(t, true)

	assertClosed(t, sub, ErrSlowConsumer)
	assert.Equal(t, 0, f.fanout.Len())
	assert.Equal(t, []uint64{0}, sequences(receive(t, sub).Segments))
}

func TestFanout_Unsubscribe(t *testing.T) {
	f := newFanoutFixture(t, true)

	sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: AllFuture})
	require.NoError(t, err)

	f.fanout.Unsubscribe(sub.ID)
	f.fanout.Unsubscribe(sub.ID)
	assertClosed(t, sub, ErrUnsubscribed)

	f.push(t, true)
	_, ok := <-sub.Deliveries()
	assert.False(t, ok)
}

func TestFanout_NotInitialized(t *testing.T) {
	f := newFanoutFixture(t, false)

	_, err := f.fanout.Subscribe(SubscribeOptions{Mode: AllFuture})
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestFanout_ConcurrentConsumers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFanoutFixture(t, true)
	const consumers = 8
	const segments = 50

	subs := make([]*Subscription, consumers)
	for i := range subs {
		sub, err := f.fanout.Subscribe(SubscribeOptions{Mode: AllFuture, QueueSize: segments})
		require.NoError(t, err)
		subs[i] = sub
	}

	results := make([][]uint64, consumers)
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range sub.Deliveries() {
				results[i] = append(results[i], sequences(d.Segments)...)
			}
		}()
	}

	for range segments {
		f.push(t, true)
	}
	f.reset()
	wg.Wait()

	want := make([]uint64, segments)
	for i := range want {
		want[i] = uint64(i)
	}
	for i := range results {
		assert.Equal(t, want, results[i], "consumer %d", i)
		assert.ErrorIs(t, subs[i].Err(), ErrReset)
	}
}
