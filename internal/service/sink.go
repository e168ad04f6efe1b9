package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// SinkKind identifies where a Sink sends the child's output.
type SinkKind int

const (
	SinkDiscard SinkKind = iota
	SinkInherit
	SinkFile
	SinkWriter
	SinkLog
)

// sinkFilePermissions is the mode used when a FileSink creates its file.
const sinkFilePermissions = 0o640

// Sink is the destination for the child's stdout and stderr.
//
// A Sink is resolved once, when the Service is built, and released exactly
// once when the Service stops. Closing it again is a no-op.
type Sink struct {
	kind   SinkKind
	path   string
	w      io.Writer
	logger Logger

	mu     sync.Mutex
	file   *os.File
	stdout *lineWriter
	stderr *lineWriter
	closed bool
}

// DiscardSink drops all output. It is the default when no sink is given.
func DiscardSink() *Sink {
	return &Sink{kind: SinkDiscard}
}

// InheritSink connects the child to this process's stdout and stderr.
func InheritSink() *Sink {
	return &Sink{kind: SinkInherit}
}

// FileSink appends output to the file at path, creating it if necessary.
func FileSink(path string) *Sink {
	return &Sink{kind: SinkFile, path: path}
}

// WriterSink copies output to w. If w is also an io.Closer it is closed
// when the Service stops.
func WriterSink(w io.Writer) *Sink {
	return &Sink{kind: SinkWriter, w: w}
}

// LogSink logs each line the child writes at debug level.
func LogSink(logger Logger) *Sink {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Sink{kind: SinkLog, logger: logger}
}

// Kind returns the sink's kind.
func (s *Sink) Kind() SinkKind {
	return s.kind
}

// String describes the sink for logging.
func (s *Sink) String() string {
	switch s.kind {
	case SinkInherit:
		return "inherit"
	case SinkFile:
		return "file:" + s.path
	case SinkWriter:
		return "writer"
	case SinkLog:
		return "log"
	default:
		return "discard"
	}
}

// open prepares the sink for use. For a FileSink this opens the file.
func (s *Sink) open(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("sink already closed")
	}

	switch s.kind {
	case SinkFile:
		if s.file != nil {
			return nil
		}
		if s.path == "" {
			return errors.New("file sink requires a path")
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, sinkFilePermissions)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		s.file = f
	case SinkWriter:
		if s.w == nil {
			return errors.New("writer sink requires a writer")
		}
	case SinkLog:
		s.stdout = &lineWriter{logger: s.logger, name: name, stream: "stdout"}
		s.stderr = &lineWriter{logger: s.logger, name: name, stream: "stderr"}
	}
	return nil
}

// writers returns the stdout and stderr destinations for exec.Cmd.
// A nil writer makes exec connect the stream to the null device.
func (s *Sink) writers() (stdout, stderr io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.kind {
	case SinkInherit:
		return os.Stdout, os.Stderr
	case SinkFile:
		return s.file, s.file
	case SinkWriter:
		return s.w, s.w
	case SinkLog:
		return s.stdout, s.stderr
	default:
		return nil, nil
	}
}

// Close releases whatever the sink holds. Only the first call has any
// effect. Inherited and discarded streams are never closed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	switch s.kind {
	case SinkFile:
		if s.file == nil {
			return nil
		}
		return s.file.Close()
	case SinkWriter:
		if c, ok := s.w.(io.Closer); ok {
			return c.Close()
		}
	case SinkLog:
		if s.stdout != nil {
			s.stdout.flush()
			s.stderr.flush()
		}
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// lineWriter turns a byte stream into one log record per line.
// exec.Cmd drives each instance from a single goroutine, but flush can be
// called from Close concurrently, so the buffer is guarded.
type lineWriter struct {
	logger Logger
	name   string
	stream string

	mu  sync.Mutex
	buf []byte
}

// maxLineLength bounds a partial line held in memory.
const maxLineLength = 64 << 10

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineLength {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Debug("process output",
		"name", w.name,
		"stream", w.stream,
		"output", string(line),
	)
}
