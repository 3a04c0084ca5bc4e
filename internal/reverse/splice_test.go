package reverse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"
)

func writeChunks(w io.Writer, data []byte, rng *rand.Rand) error {
	for len(data) > 0 {
		n := rng.Intn(64*1024) + 1
		if n > len(data) {
			n = len(data)
		}
		if _, err := w.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func TestSpliceRoundTrip10MB(t *testing.T) {
	const size = 10 << 20
	aOuter, aInner := net.Pipe()
	bInner, bOuter := net.Pipe()

	done := make(chan SpliceResult, 1)
	go func() { done <- Splice(context.Background(), aInner, bInner, time.Second) }()

	up := make([]byte, size)
	down := make([]byte, size)
	rand.New(rand.NewSource(1)).Read(up)
	rand.New(rand.NewSource(2)).Read(down)

	errs := make(chan error, 4)
	go func() { errs <- writeChunks(aOuter, up, rand.New(rand.NewSource(3))) }()
	go func() { errs <- writeChunks(bOuter, down, rand.New(rand.NewSource(4))) }()

	gotUp := make([]byte, size)
	gotDown := make([]byte, size)
	go func() { _, err := io.ReadFull(bOuter, gotUp); errs <- err }()
	go func() { _, err := io.ReadFull(aOuter, gotDown); errs <- err }()
	for i := 0; i < 4; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if !bytes.Equal(up, gotUp) {
		t.Fatal("a->b payload corrupted")
	}
	if !bytes.Equal(down, gotDown) {
		t.Fatal("b->a payload corrupted")
	}

	_ = aOuter.Close()
	_ = bOuter.Close()
	select {
	case res := <-done:
		if res.AtoB != size || res.BtoA != size {
			t.Fatalf("byte counts %d/%d, want %d", res.AtoB, res.BtoA, size)
		}
		if res.Reason == ReasonError {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("splice did not finish")
	}
}

func tcpPair(t *testing.T, ln net.Listener) (client, server net.Conn) {
	t.Helper()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server = <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

func TestSpliceHalfClosePropagates(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	user, portalData := tcpPair(t, ln)
	portalCtrl, bridge := tcpPair(t, ln)
	defer user.Close()
	defer bridge.Close()

	done := make(chan SpliceResult, 1)
	go func() { done <- Splice(context.Background(), portalData, portalCtrl, 5*time.Second) }()

	if _, err := user.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	_ = user.(*net.TCPConn).CloseWrite()

	req, err := io.ReadAll(bridge)
	if err != nil {
		t.Fatal(err)
	}
	if string(req) != "hello" {
		t.Fatalf("bridge read %q", req)
	}
	if _, err := bridge.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	_ = bridge.Close()

	resp, err := io.ReadAll(user)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "world" {
		t.Fatalf("user read %q", resp)
	}
	res := <-done
	if res.Reason != ReasonEOF {
		t.Fatalf("reason %q err %v", res.Reason, res.Err)
	}
}

func TestSpliceReadErrorClosesBothLegs(t *testing.T) {
	aOuter, aInner := net.Pipe()
	bInner, bOuter := net.Pipe()
	faulty := &faultStream{Conn: aInner}
	peerB := &trackedStream{Stream: bInner}

	done := make(chan SpliceResult, 1)
	go func() { done <- Splice(context.Background(), faulty, peerB, time.Minute) }()

	go func() { _, _ = aOuter.Write([]byte{0xFF}) }()
	expectEOF(t, bOuter, time.Second)

	res := <-done
	var se *SpliceError
	if !errors.As(res.Err, &se) {
		t.Fatalf("expected SpliceError, got %v", res.Err)
	}
	if se.Leg != "data" || se.Op != "read" || !errors.Is(res.Err, errInjected) {
		t.Fatalf("wrong attribution: %v", se)
	}
	if !peerB.closed() {
		t.Fatal("healthy leg not closed")
	}
	_ = aOuter.Close()
}

func TestSpliceCancelClosesBothLegs(t *testing.T) {
	aOuter, aInner := net.Pipe()
	bInner, bOuter := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan SpliceResult, 1)
	go func() { done <- Splice(ctx, aInner, bInner, time.Minute) }()

	cancel()
	select {
	case res := <-done:
		if res.Reason != ReasonShutdown {
			t.Fatalf("reason %q", res.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("splice ignored cancellation")
	}
	expectEOF(t, aOuter, time.Second)
	expectEOF(t, bOuter, time.Second)
}

func TestSpliceGraceExpires(t *testing.T) {
	aOuter, aInner := net.Pipe()
	bInner, bOuter := net.Pipe()
	defer bOuter.Close()
	done := make(chan SpliceResult, 1)
	go func() { done <- Splice(context.Background(), aInner, bInner, 50*time.Millisecond) }()

	// a finishes; b never does, so only the grace timer ends the session
	_ = aOuter.Close()
	select {
	case res := <-done:
		if res.Reason != ReasonGrace {
			t.Fatalf("reason %q", res.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("grace period not enforced")
	}
}
