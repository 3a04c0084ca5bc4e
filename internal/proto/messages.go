package proto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxPreamble bounds the first line read from a preamble inbound.
const MaxPreamble = 1024

var ErrPreambleTooLong = errors.New("preamble too long")

// Dest is the single JSON line a client sends first on a preamble inbound. It
// carries the addressed target: a Bridge names the rendezvous domain, other
// clients name the service they want.
type Dest struct {
	Target string `json:"target"`
}

// WriteDest sends the preamble for target.
func WriteDest(w io.Writer, target string) error {
	return writeJSONLine(w, Dest{Target: target})
}

// ReadDest reads one preamble line from rd. rd must be at least MaxPreamble
// bytes large; bytes after the newline stay buffered in rd.
func ReadDest(rd *bufio.Reader) (Dest, error) {
	line, err := rd.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) || len(line) > MaxPreamble {
		return Dest{}, ErrPreambleTooLong
	}
	if err != nil {
		return Dest{}, fmt.Errorf("read preamble: %w", err)
	}
	var d Dest
	if err := json.Unmarshal(bytes.TrimSpace(line), &d); err != nil {
		return Dest{}, fmt.Errorf("decode preamble: %w", err)
	}
	return d, nil
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
