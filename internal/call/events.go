package call

import (
	"sync"

	"github.com/pairline/relay/internal/protocol"
)

// State is the controller's position in the call lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"
	StateIncoming   State = "incoming"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
)

// EventKind identifies what an Event reports.
type EventKind string

const (
	EventStateChanged     EventKind = "state_changed"
	EventLocalMedia       EventKind = "local_media"
	EventIncomingCall     EventKind = "incoming_call"
	EventCallAccepted     EventKind = "call_accepted"
	EventCallDeclined     EventKind = "call_declined"
	EventCallEnded        EventKind = "call_ended"
	EventError            EventKind = "error"
	EventRemoteMediaState EventKind = "remote_media_state"
	EventRemoteTrack      EventKind = "remote_track"
	EventPresence         EventKind = "presence"
)

// Event is a notification from the controller. Only the fields relevant to Kind are set.
type Event struct {
	Kind       EventKind
	State      State
	RoomID     string
	PeerID     string
	CallType   protocol.CallType
	Reason     string
	Err        error
	MediaState protocol.MediaState
	TrackKind  string
	Online     bool
	Users      []string
}

// eventQueue delivers events in order without ever blocking the producer.
type eventQueue struct {
	out    chan Event
	signal chan struct{}
	done   chan struct{}
	items  []Event
	closed bool
	mu     sync.Mutex
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		out:    make(chan Event),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		e := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.done:
			return
		}
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}
