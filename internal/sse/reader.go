// Package sse reads server-sent event streams.
package sse

import (
	"errors"
	"io"
	"iter"
	"sync"

	gosse "github.com/tmaxmax/go-sse"
)

// Event is one dispatched server-sent event.
type Event struct {
	ID   string
	Type string
	Data string
}

// Stream yields events until the connection ends or is closed.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Reader adapts a text/event-stream body to Stream. It reads one connection
// only; a stream that ends is not reopened.
type Reader struct {
	body io.ReadCloser

	// mu serializes next and stop, which must not run concurrently.
	mu        sync.Mutex
	next      func() (gosse.Event, error, bool)
	stop      func()
	closeOnce sync.Once
}

// NewReader wraps body. Closing the Reader closes body.
func NewReader(body io.ReadCloser) *Reader {
	next, stop := iter.Pull2(iter.Seq2[gosse.Event, error](gosse.Read(body, nil)))
	return &Reader{body: body, next: next, stop: stop}
}

// Next blocks until a complete event is available. Events without data
// (keep-alives, bare id or retry hints) are skipped. The end of the stream is
// reported as io.EOF.
func (r *Reader) Next() (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		ev, err, ok := r.next()
		if !ok {
			return Event{}, io.EOF
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if ev.Data == "" {
			continue
		}
		return Event{ID: ev.LastEventID, Type: ev.Type, Data: ev.Data}, nil
	}
}

// Close releases the underlying body. A Next blocked on the body returns
// before the parser is stopped.
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.body.Close()
		r.mu.Lock()
		r.stop()
		r.mu.Unlock()
	})
	return err
}
