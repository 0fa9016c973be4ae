package main

import (
	"bytes"
	"strings"
	"sync"

	"golang.org/x/exp/slog"
)

// logSink is installed as the kfmt output sink. It splits the kernel output
// into lines and forwards each line to a slog logger, extracting the
// "[module]" prefix into an attribute.
type logSink struct {
	mu     sync.Mutex
	logger *slog.Logger
	buf    bytes.Buffer
}

func newLogSink(logger *slog.Logger) *logSink {
	return &logSink{logger: logger}
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Write(p)
	for {
		data := s.buf.Bytes()
		index := bytes.IndexByte(data, '\n')
		if index < 0 {
			break
		}

		line := string(data[:index])
		s.buf.Next(index + 1)
		s.emit(line)
	}

	return len(p), nil
}

// Flush forwards any partially written line.
func (s *logSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf.Len() != 0 {
		s.emit(s.buf.String())
		s.buf.Reset()
	}
}

func (s *logSink) emit(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.Trim(line, "-") == "" {
		return
	}

	module := "kernel"
	if strings.HasPrefix(line, "[") {
		if end := strings.IndexByte(line, ']'); end > 0 {
			module, line = line[1:end], strings.TrimSpace(line[end+1:])
		}
	}

	s.logger.Debug(line, slog.String("module", module))
}
