package reverse

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Stream is an established bidirectional byte stream handed over by a listener.
// net.Conn satisfies it. Streams that also implement CloseWrite get half-closed
// when their peer finishes sending.
type Stream interface {
	io.ReadWriteCloser
}

type closeWriter interface {
	CloseWrite() error
}

// ControlState is the lifecycle state of a ControlStream.
type ControlState int32

const (
	Idle ControlState = iota
	Claimed
	Closed
)

func (s ControlState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Claimed:
		return "claimed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// ControlStream is an inbound stream recognized as Bridge-originated.
type ControlStream struct {
	Stream  Stream
	Tag     string
	Arrived time.Time

	state atomic.Int32
	// left is closed once the stream leaves the idle queue (claimed or withdrawn).
	left  chan struct{}
	watch *idleWatch
}

func newControlStream(tag string, s Stream) *ControlStream {
	w := &idleWatch{Stream: s}
	return &ControlStream{Stream: w, Tag: tag, Arrived: time.Now(), left: make(chan struct{}), watch: w}
}

func (c *ControlStream) State() ControlState { return ControlState(c.state.Load()) }

// transition moves the stream out of Idle. Only one caller ever succeeds.
func (c *ControlStream) transition(to ControlState) bool {
	if !c.state.CompareAndSwap(int32(Idle), int32(to)) {
		return false
	}
	close(c.left)
	return true
}

// markClosed records the terminal state after the stream handle was released.
func (c *ControlStream) markClosed() { c.state.Store(int32(Closed)) }

// idleWatch lets the engine notice a bridge hanging up while its stream sits
// idle. A bridge never sends before activation, so the read issued by start
// only returns on EOF, an error, or the first reply byte after the stream was
// claimed. That pending read is handed to the first Read of the session.
type idleWatch struct {
	Stream

	mu       sync.Mutex
	started  bool
	consumed bool
	direct   bool
	done     chan struct{}
	buf      [1]byte
	n        int
	err      error
}

// start issues the watching read and returns a channel closed when it
// completes. It returns nil if the stream is already being read directly.
func (w *idleWatch) start() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.direct {
		return nil
	}
	w.started = true
	w.done = make(chan struct{})
	go func() {
		w.n, w.err = w.Stream.Read(w.buf[:])
		close(w.done)
	}()
	return w.done
}

// result reports the outcome of the watching read; valid once done is closed.
func (w *idleWatch) result() (int, error) { return w.n, w.err }

func (w *idleWatch) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	if !w.started || w.consumed {
		w.direct = true
		w.mu.Unlock()
		return w.Stream.Read(p)
	}
	w.consumed = true
	w.mu.Unlock()
	<-w.done
	n := copy(p, w.buf[:w.n])
	return n, w.err
}

func (w *idleWatch) CloseWrite() error {
	if cw, ok := w.Stream.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// pairResult is delivered exactly once to a waiting DataStream.
type pairResult struct {
	ctrl *ControlStream
	err  error
}

// DataStream is an inbound stream carrying payload traffic for a portal.
type DataStream struct {
	Stream  Stream
	Tag     string
	Target  string
	Arrived time.Time

	result chan pairResult
}

func newDataStream(tag string, s Stream, target string) *DataStream {
	return &DataStream{Stream: s, Tag: tag, Target: target, Arrived: time.Now(), result: make(chan pairResult, 1)}
}

// deliver hands the outcome of waiting to the stream's task. The channel is
// buffered and only written while the stream is being removed from its queue,
// so it never blocks.
func (d *DataStream) deliver(r pairResult) { d.result <- r }

// Session is a paired control and data stream being spliced.
type Session struct {
	Tag     string
	Control *ControlStream
	Data    *DataStream
	Start   time.Time
}
