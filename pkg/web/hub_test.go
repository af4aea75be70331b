package web

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/varflow/pkg/engine"
)

func valueEvent(sessionID, key string, values ...string) Event {
	return NewEvent(sessionID, engine.Event{Type: engine.EventValue, Key: key, Values: values})
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub()
	assert.Equal(t, 0, hub.ClientCount())

	ch := hub.Subscribe("")
	assert.Equal(t, 1, hub.ClientCount())

	hub.Unsubscribe(ch)
	assert.Equal(t, 0, hub.ClientCount())

	// double unsubscribe is safe
	hub.Unsubscribe(ch)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()
	ch1 := hub.Subscribe("")
	ch2 := hub.Subscribe("")

	ev := valueEvent("s1", "ns", "prod")
	hub.Broadcast(ev)

	got1 := <-ch1
	got2 := <-ch2
	assert.Equal(t, "ns", got1.Key)
	assert.Equal(t, []string{"prod"}, got1.Values)
	assert.Equal(t, "ns", got2.Key)
}

func TestHub_Broadcast_SessionFilter(t *testing.T) {
	hub := NewHub()
	all := hub.Subscribe("")
	s1 := hub.Subscribe("s1")
	s2 := hub.Subscribe("s2")

	hub.Broadcast(valueEvent("s1", "ns", "prod"))
	hub.Broadcast(valueEvent("s2", "ns", "dev"))

	// the unfiltered subscriber sees both sessions
	assert.Equal(t, 2, len(all))

	// filtered subscribers see only their own session
	require.Equal(t, 1, len(s1))
	got := <-s1
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, []string{"prod"}, got.Values)

	require.Equal(t, 1, len(s2))
	got = <-s2
	assert.Equal(t, "s2", got.SessionID)
	assert.Equal(t, []string{"dev"}, got.Values)
}

func TestHub_Broadcast_SlowClientDropsEvents(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe("")

	// fill the client buffer past capacity, broadcast must not block
	for i := 0; i < clientBuffer+50; i++ {
		hub.Broadcast(valueEvent("s1", "ns", "v"))
	}

	// channel holds at most its buffer size
	assert.Equal(t, clientBuffer, len(ch))
}

func TestHub_Broadcast_Concurrent(t *testing.T) {
	hub := NewHub()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := hub.Subscribe("")
			hub.Broadcast(valueEvent("s1", "ns", "v"))
			hub.Unsubscribe(ch)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	ch1 := hub.Subscribe("")
	ch2 := hub.Subscribe("s1")

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	// closed channels are drained
	_, ok := <-ch1
	require.False(t, ok)
	_, ok = <-ch2
	require.False(t, ok)
}
