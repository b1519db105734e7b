package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelEvent_ListenNotify(t *testing.T) {
	event := NewChannelEvent[string](false)

	ch := make(chan string, 10)
	unregister := event.Listen(ch)
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify("shift-up")
	event.Notify("shift-down")

	received := make([]string, 0)
	for len(received) < 2 {
		select {
		case val := <-ch:
			received = append(received, val)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("Timeout waiting for events")
		}
	}

	assert.Equal(t, []string{"shift-up", "shift-down"}, received)

	unregister()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify("after-unregister")
	select {
	case val := <-ch:
		t.Errorf("Unexpected value received after unregister: %s", val)
	case <-time.After(10 * time.Millisecond):
		// Expected - no value should be received
	}
}

func TestChannelEvent_MultipleListeners(t *testing.T) {
	event := NewChannelEvent[int](false)

	ch1 := make(chan int, 10)
	ch2 := make(chan int, 10)
	unregister1 := event.Listen(ch1)
	unregister2 := event.Listen(ch2)
	assert.Equal(t, 2, event.ListenerCount())

	event.Notify(12)

	select {
	case val := <-ch1:
		assert.Equal(t, 12, val)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event on ch1")
	}
	select {
	case val := <-ch2:
		assert.Equal(t, 12, val)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event on ch2")
	}

	unregister1()
	unregister2()
	assert.Equal(t, 0, event.ListenerCount())
}

func TestChannelEvent_SendLastEventOnListen(t *testing.T) {
	event := NewChannelEvent[string](true)

	// No Notify yet, a new listener gets nothing
	ch1 := make(chan string, 10)
	unregister1 := event.Listen(ch1)
	select {
	case val := <-ch1:
		t.Errorf("Unexpected value received: %s", val)
	case <-time.After(10 * time.Millisecond):
	}

	event.Notify("gear 13")

	// A listener registered after Notify receives the last event immediately
	ch2 := make(chan string, 10)
	unregister2 := event.Listen(ch2)

	select {
	case val := <-ch2:
		assert.Equal(t, "gear 13", val)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for replayed event")
	}

	unregister1()
	unregister2()
}

func TestChannelEvent_NoReplayWhenDisabled(t *testing.T) {
	event := NewChannelEvent[string](false)

	event.Notify("first")

	ch := make(chan string, 10)
	unregister := event.Listen(ch)
	defer unregister()

	select {
	case val := <-ch:
		t.Errorf("Unexpected value received: %s", val)
	case <-time.After(10 * time.Millisecond):
		// Expected - no replay
	}

	event.Notify("second")
	select {
	case val := <-ch:
		assert.Equal(t, "second", val)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for second event")
	}
}

func TestChannelEvent_NilChannelPanics(t *testing.T) {
	event := NewChannelEvent[string](false)
	assert.Panics(t, func() {
		event.Listen(nil)
	})
}

func TestChannelEvent_FullChannelSkipped(t *testing.T) {
	event := NewChannelEvent[string](false)

	ch := make(chan string, 1)
	unregister := event.Listen(ch)
	defer unregister()

	ch <- "blocking"

	// Notify must not block or overwrite when the channel is full
	event.Notify("dropped")
	require.Equal(t, 1, len(ch))
	assert.Equal(t, "blocking", <-ch)

	event.Notify("delivered")
	select {
	case val := <-ch:
		assert.Equal(t, "delivered", val)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event after drain")
	}
}

func TestChannelEvent_ConcurrentNotify(t *testing.T) {
	event := NewChannelEvent[int](false)

	ch := make(chan int, 100)
	unregister := event.Listen(ch)
	defer unregister()

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		go func(value int) {
			defer wg.Done()
			event.Notify(value)
		}(i)
	}
	wg.Wait()

	received := make([]int, 0)
	for len(received) < 5 {
		select {
		case val := <-ch:
			received = append(received, val)
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("Did not receive all values. Got %d", len(received))
		}
	}
	assert.Equal(t, 5, len(received))
}
