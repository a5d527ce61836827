// Package events carries transport callbacks to the session dispatch
// loop. Transport libraries invoke their callbacks on their own
// goroutines; each callback only builds an [Event] and pushes it onto a
// [Queue]. The dispatch loop drains the queue on a single goroutine, so
// reactors never run concurrently and never re-enter.
//
// Unlike a broadcast bus, the queue never drops: losing a connect-ack
// or publish-ack would stall the agents. A full queue applies
// backpressure to the transport until the loop catches up or the queue
// is closed.
package events

import (
	"fmt"
	"sync"
	"time"
)

// Kind identifies which transport callback produced an event.
type Kind int

const (
	// ConnectAck reports the broker's answer to a connect request.
	// Code carries the CONNACK return/reason code; zero is success.
	ConnectAck Kind = iota + 1
	// ConnectError reports a dial, TLS or handshake failure before any
	// CONNACK arrived. Err is set.
	ConnectError
	// Disconnect reports loss of an established connection. Err is
	// set when the transport knows why.
	Disconnect
	// Message delivers an inbound publish. Topic and Payload are set.
	Message
	// PublishAck reports completion of an outbound publish. Err is set
	// when the publish failed.
	PublishAck
	// SubscribeAck reports the broker's answer to a subscribe request.
	// Topic and Code (granted QoS, 0x80 on refusal) are set.
	SubscribeAck
)

var kindNames = map[Kind]string{
	ConnectAck:   "connect_ack",
	ConnectError: "connect_error",
	Disconnect:   "disconnect",
	Message:      "message",
	PublishAck:   "publish_ack",
	SubscribeAck: "subscribe_ack",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one transport callback, flattened. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	// Conn is the generation of the connection the event belongs to.
	// Transports count their Connect calls from 1; zero means untagged.
	Conn    uint64
	Code    byte
	Topic   string
	Payload []byte
	Err     error
}

// Queue is an ordered, lossless hand-off from transport goroutines to
// the dispatch loop. The zero value is not usable; call [NewQueue].
type Queue struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue buffering up to size events before Push blocks.
func NewQueue(size int) *Queue {
	return &Queue{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Push enqueues e, stamping Timestamp if unset. It blocks while the
// buffer is full and returns false once the queue has been closed, in
// which case the event is discarded. Safe to call on a nil receiver
// (returns false).
func (q *Queue) Push(e Event) bool {
	if q == nil {
		return false
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.ch <- e:
		return true
	case <-q.done:
		return false
	}
}

// C returns the channel the dispatch loop receives from. It is never
// closed; select on [Queue.Done] as well.
func (q *Queue) C() <-chan Event {
	return q.ch
}

// Done is closed by [Queue.Close].
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Close unblocks pending and future Push calls. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}
