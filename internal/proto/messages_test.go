package proto

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
)

func TestReadDestKeepsTrailingBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDest(&buf, "test.xray.com:0"); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("payload")
	rd := bufio.NewReaderSize(&buf, MaxPreamble)
	d, err := ReadDest(rd)
	if err != nil {
		t.Fatal(err)
	}
	if d.Target != "test.xray.com:0" {
		t.Fatalf("target %q", d.Target)
	}
	rest, _ := io.ReadAll(rd)
	if string(rest) != "payload" {
		t.Fatalf("trailing bytes %q", rest)
	}
}

func TestReadDestRejectsOversizedLine(t *testing.T) {
	long := strings.Repeat("a", MaxPreamble*2) + "\n"
	rd := bufio.NewReaderSize(strings.NewReader(long), MaxPreamble)
	if _, err := ReadDest(rd); !errors.Is(err, ErrPreambleTooLong) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadDestRejectsGarbage(t *testing.T) {
	rd := bufio.NewReaderSize(strings.NewReader("not json\n"), MaxPreamble)
	if _, err := ReadDest(rd); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestBufferedConnReplaysPeekedBytes(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() { _, _ = a.Write([]byte("xyz")) }()
	rd := bufio.NewReader(b)
	if _, err := rd.Peek(1); err != nil {
		t.Fatal(err)
	}
	bc := NewBufferedConn(b, rd)
	got := make([]byte, 3)
	if _, err := io.ReadFull(bc, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "xyz" {
		t.Fatalf("read %q", got)
	}
	if err := bc.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite on pipe: %v", err)
	}
}
