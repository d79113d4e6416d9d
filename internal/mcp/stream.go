// ABOUTME: Per-session server-push event stream with a replay ring for resumption.
// ABOUTME: Events carry monotonically increasing ids so clients can resume via Last-Event-Id.

package mcp

import (
	"sync"
)

const (
	// subscriberBufferSize is the channel buffer for the live subscriber.
	subscriberBufferSize = 64

	// replayBufferSize bounds how many past events are kept for resumption.
	replayBufferSize = 256
)

// event is one server-push message with its stream-unique id.
type event struct {
	id   uint64
	data []byte
}

// eventStream is the server-to-client side of one session's transport.
// At most one live subscriber is attached at a time; a new subscription
// replaces the previous one. Published events are kept in a bounded
// replay ring so a reconnecting client can resume from its last seen id.
type eventStream struct {
	mu         sync.Mutex
	nextID     uint64
	replay     []event
	subscriber chan event
	closed     bool
}

func newEventStream() *eventStream {
	return &eventStream{nextID: 1}
}

// publish appends an event to the replay ring and delivers it to the
// live subscriber, if any. Non-blocking: a slow subscriber misses the
// live delivery and recovers it on its next resume.
func (s *eventStream) publish(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	ev := event{id: s.nextID, data: data}
	s.nextID++

	s.replay = append(s.replay, ev)
	if len(s.replay) > replayBufferSize {
		s.replay = s.replay[len(s.replay)-replayBufferSize:]
	}

	if s.subscriber != nil {
		select {
		case s.subscriber <- ev:
		default:
		}
	}
}

// subscribe attaches a subscriber, first replaying any buffered events
// after lastEventID (zero replays nothing unless the ring has older
// events the client explicitly asked for). Returns the event channel
// and a detach func. An existing subscriber is replaced.
func (s *eventStream) subscribe(lastEventID uint64) (<-chan event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscriber != nil {
		close(s.subscriber)
	}

	var pending []event
	if lastEventID > 0 {
		for _, ev := range s.replay {
			if ev.id > lastEventID {
				pending = append(pending, ev)
			}
		}
	}

	// The channel must hold the whole backlog: anything still in the
	// ring is there precisely so a resuming client can recover it.
	ch := make(chan event, len(pending)+subscriberBufferSize)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	for _, ev := range pending {
		ch <- ev
	}

	s.subscriber = ch
	detach := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.subscriber == ch {
			s.subscriber = nil
			close(ch)
		}
	}
	return ch, detach
}

// close shuts the stream down and detaches any subscriber.
func (s *eventStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.subscriber != nil {
		close(s.subscriber)
		s.subscriber = nil
	}
}
