package reverse

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

const spliceBufSize = 32 * 1024

var spliceBufPool = sync.Pool{New: func() any { b := make([]byte, spliceBufSize); return &b }}

// Reason tells why a splice ended.
type Reason string

const (
	ReasonEOF      Reason = "eof"
	ReasonError    Reason = "error"
	ReasonGrace    Reason = "grace_expired"
	ReasonShutdown Reason = "shutdown"
)

// SpliceResult summarizes a finished splice. AtoB counts bytes read from a and
// written to b.
type SpliceResult struct {
	AtoB     int64
	BtoA     int64
	Duration time.Duration
	Reason   Reason
	Err      error
}

type copyResult struct {
	n   int64
	err error
}

// Splice copies a→b and b→a until both directions end, then closes both
// streams. A clean end of stream on one side half-closes the other side's
// write half (when supported) and leaves the opposite direction grace to
// finish. Any I/O error or ctx cancellation closes both legs at once. Legs are
// named "data" and "control" in errors: a is the data leg.
func Splice(ctx context.Context, a, b Stream, grace time.Duration) SpliceResult {
	return SpliceLegs(ctx, a, b, "data", "control", grace)
}

// SpliceLegs is Splice with caller-chosen leg names for error attribution.
func SpliceLegs(ctx context.Context, a, b Stream, aName, bName string, grace time.Duration) SpliceResult {
	start := time.Now()
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}
	defer closeBoth()

	ab := make(chan copyResult, 1)
	ba := make(chan copyResult, 1)
	go func() { ab <- copyLeg(b, a, bName, aName) }()
	go func() { ba <- copyLeg(a, b, aName, bName) }()

	var res SpliceResult
	var abDone, baDone bool
	var graceTimer *time.Timer
	var graceC <-chan time.Time
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()
	finish := func(r copyResult, dst Stream) {
		if r.err != nil {
			if res.Err == nil {
				res.Err = r.err
				res.Reason = ReasonError
			}
			closeBoth()
			return
		}
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		if graceTimer == nil {
			graceTimer = time.NewTimer(grace)
			graceC = graceTimer.C
		}
	}
	done := ctx.Done()
	for !abDone || !baDone {
		select {
		case r := <-ab:
			abDone = true
			res.AtoB = r.n
			finish(r, b)
		case r := <-ba:
			baDone = true
			res.BtoA = r.n
			finish(r, a)
		case <-graceC:
			graceC = nil
			if res.Reason == "" {
				res.Reason = ReasonGrace
			}
			closeBoth()
		case <-done:
			done = nil
			if res.Reason == "" {
				res.Reason = ReasonShutdown
				res.Err = ctx.Err()
			}
			closeBoth()
		}
	}
	if res.Reason == "" {
		res.Reason = ReasonEOF
	}
	res.Duration = time.Since(start)
	return res
}

// copyLeg copies src into dst and attributes a failure to the leg that caused it.
// Errors caused by the other direction closing the streams are not failures.
func copyLeg(dst, src Stream, dstName, srcName string) copyResult {
	p := spliceBufPool.Get().(*[]byte)
	defer spliceBufPool.Put(p)
	lr := &legReader{r: src}
	n, err := io.CopyBuffer(dst, lr, *p)
	if err == nil || isClosedErr(err) {
		return copyResult{n: n}
	}
	if lr.err != nil {
		return copyResult{n: n, err: &SpliceError{Leg: srcName, Op: "read", Err: err}}
	}
	return copyResult{n: n, err: &SpliceError{Leg: dstName, Op: "write", Err: err}}
}

type legReader struct {
	r   io.Reader
	err error
}

func (l *legReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if err != nil && err != io.EOF {
		l.err = err
	}
	return n, err
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
