// ABOUTME: Tests for the per-session event stream.
// ABOUTME: Covers live delivery, resumption by event id, and subscriber replacement.

package mcp

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStream_LiveDelivery(t *testing.T) {
	s := newEventStream()
	events, detach := s.subscribe(0)
	defer detach()

	s.publish([]byte(`{"a":1}`))
	s.publish([]byte(`{"a":2}`))

	ev := <-events
	assert.Equal(t, uint64(1), ev.id)
	assert.JSONEq(t, `{"a":1}`, string(ev.data))

	ev = <-events
	assert.Equal(t, uint64(2), ev.id)
}

func TestEventStream_ResumeReplaysLaterEvents(t *testing.T) {
	s := newEventStream()
	for i := 1; i <= 5; i++ {
		s.publish([]byte(fmt.Sprintf(`{"n":%d}`, i)))
	}

	events, detach := s.subscribe(3)
	defer detach()

	ev := <-events
	assert.Equal(t, uint64(4), ev.id, "replay starts after the last seen id")
	ev = <-events
	assert.Equal(t, uint64(5), ev.id)

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %d", ev.id)
	default:
	}
}

func TestEventStream_ResumeDeliversFullBacklog(t *testing.T) {
	s := newEventStream()
	total := 200
	for i := 1; i <= total; i++ {
		s.publish([]byte(fmt.Sprintf(`{"n":%d}`, i)))
	}

	events, detach := s.subscribe(1)
	defer detach()

	// Everything still in the ring past the last seen id arrives, in
	// order, even when the backlog exceeds the live buffer.
	for want := uint64(2); want <= uint64(total); want++ {
		ev := <-events
		require.Equal(t, want, ev.id)
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %d", ev.id)
	default:
	}
}

func TestEventStream_FreshSubscribeSkipsHistory(t *testing.T) {
	s := newEventStream()
	s.publish([]byte(`{"old":true}`))

	events, detach := s.subscribe(0)
	defer detach()

	select {
	case ev := <-events:
		t.Fatalf("fresh subscriber should not see history, got event %d", ev.id)
	default:
	}

	s.publish([]byte(`{"new":true}`))
	ev := <-events
	assert.Equal(t, uint64(2), ev.id)
}

func TestEventStream_SubscribeReplacesPrevious(t *testing.T) {
	s := newEventStream()
	old, _ := s.subscribe(0)

	events, detach := s.subscribe(0)
	defer detach()

	_, open := <-old
	assert.False(t, open, "previous subscriber channel is closed")

	s.publish([]byte(`{}`))
	ev := <-events
	assert.Equal(t, uint64(1), ev.id)
}

func TestEventStream_ReplayRingIsBounded(t *testing.T) {
	s := newEventStream()
	total := replayBufferSize + 50
	for i := 0; i < total; i++ {
		s.publish([]byte(`{}`))
	}

	events, detach := s.subscribe(1)
	defer detach()

	ev := <-events
	assert.Equal(t, uint64(total-replayBufferSize+1), ev.id,
		"oldest events fall out of the ring")
}

func TestEventStream_Close(t *testing.T) {
	s := newEventStream()
	events, detach := s.subscribe(0)
	defer detach()

	s.close()
	_, open := <-events
	assert.False(t, open)

	s.publish([]byte(`{}`))

	late, lateDetach := s.subscribe(0)
	defer lateDetach()
	_, open = <-late
	require.False(t, open, "subscribing after close yields a closed channel")
}
