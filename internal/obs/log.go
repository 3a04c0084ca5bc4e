package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"
)

var (
	base         = log.New(os.Stdout, "", 0)
	debugEnabled atomic.Bool
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) { debugEnabled.Store(v) }

// SetOutput redirects all log lines, mainly for tests.
func SetOutput(w io.Writer) { base.SetOutput(w) }

// Fields are the structured payload of one log line.
type Fields map[string]any

func logWith(level, msg string, f Fields) {
	out := make(Fields, len(f)+3)
	for k, v := range f {
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		out[k] = v
	}
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	out["level"] = level
	out["msg"] = msg
	b, err := json.Marshal(out)
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func Info(msg string, f Fields)  { logWith("info", msg, f) }
func Warn(msg string, f Fields)  { logWith("warn", msg, f) }
func Error(msg string, f Fields) { logWith("error", msg, f) }
func Debug(msg string, f Fields) {
	if debugEnabled.Load() {
		logWith("debug", msg, f)
	}
}
