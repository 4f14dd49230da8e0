package logging

import (
	"bufio"
	"io"
	"strings"
)

// LineWriter turns a subprocess stream into one log entry per line.
//
// Lines that already carry a level tag (as written by this package in a
// child process) are re-logged at that level; everything else uses the
// writer's default level.
type LineWriter struct {
	prefix string
	level  LogLevel
}

// NewLineWriter creates a LineWriter that tags each line with prefix.
func NewLineWriter(prefix string, level LogLevel) *LineWriter {
	return &LineWriter{prefix: prefix, level: level}
}

// Pipe reads r until EOF. It is meant to run in its own goroutine.
func (lw *LineWriter) Pipe(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		level, msg := lw.classify(line)
		Log(level, "[%s] %s", lw.prefix, msg)
	}
}

func (lw *LineWriter) classify(line string) (LogLevel, string) {
	tags := []struct {
		tag   string
		level LogLevel
	}{
		{"[DEBUG] ", LevelDebug},
		{"[INFO] ", LevelInfo},
		{"[WARN] ", LevelWarn},
		{"[ERROR] ", LevelError},
		{"[FATAL] ", LevelError},
	}
	for _, t := range tags {
		if idx := strings.Index(line, t.tag); idx >= 0 {
			return t.level, line[idx+len(t.tag):]
		}
	}
	return lw.level, line
}
