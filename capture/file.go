package capture

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/logger"
)

// Sink receives captured frames. Sinks are bus packet loggers.
type Sink interface {
	bus.PacketLogger
	io.Closer
}

// FileSink writes one JSON record per line.
type FileSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	c      io.Closer
	logger logger.Logger
	count  uint64
	err    error
}

var _ Sink = (*FileSink)(nil)

// NewFileSink appends records to the file at path, creating it if needed.
func NewFileSink(path string, l logger.Logger) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", path, err)
	}

	return NewWriterSink(f, l), nil
}

// NewWriterSink writes records to w. Close closes w if it is an io.Closer.
func NewWriterSink(w io.Writer, l logger.Logger) *FileSink {
	if l == nil {
		l = logger.GetLogger()
	}
	s := &FileSink{w: bufio.NewWriter(w), logger: l}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}

	return s
}

// LogPacket writes msg. After the first write error the sink drops records
// and Close reports the error.
func (s *FileSink) LogPacket(msg *frame.Message) {
	if err := s.Write(NewRecord(msg)); err != nil && !errors.Is(err, errSinkFailed) {
		s.logger.Error("capture write failed", "error", err)
	}
}

var errSinkFailed = errors.New("capture: sink failed")

// Write appends r.
func (s *FileSink) Write(r Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return errSinkFailed
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		s.err = err
		return err
	}
	s.count++

	return nil
}

// Flush writes buffered records.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	if err := s.w.Flush(); err != nil {
		s.err = err
	}

	return s.err
}

// Count returns the number of records written.
func (s *FileSink) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.count
}

func (s *FileSink) Close() error {
	err := s.Flush()
	if s.c != nil {
		err = errors.Join(err, s.c.Close())
	}

	return err
}

// Reader reads records from a capture.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

const maxRecordLine = 64 * 1024

// NewReader reads records from r, one per line.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxRecordLine)

	return &Reader{sc: sc}
}

// Next returns the next record, or io.EOF after the last one. Blank lines
// are skipped.
func (r *Reader) Next() (Record, error) {
	for r.sc.Scan() {
		r.line++
		b := r.sc.Bytes()
		if len(b) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return Record{}, fmt.Errorf("%w: line %d: %w", ErrBadRecord, r.line, err)
		}

		return rec, nil
	}
	if err := r.sc.Err(); err != nil {
		return Record{}, err
	}

	return Record{}, io.EOF
}

// ReadAll reads the remaining records.
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// ReadFile reads every record of the capture at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return NewReader(f).ReadAll()
}
