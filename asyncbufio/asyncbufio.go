// Package asyncbufio provides a bounded, non-blocking writer for diagnostic
// output. Writers on hot paths hand their bytes to a channel; a goroutine
// moves them to a bufio.Writer. When the channel is full, data are dropped
// and counted rather than delaying the caller.
package asyncbufio

import (
	"bufio"
	"io"
	"sync/atomic"
	"time"
)

// Writer provides asynchronous writing to an underlying io.Writer.
type Writer struct {
	writer        *bufio.Writer
	flushNow      chan struct{} // ask the write loop to flush; closed by Close
	flushComplete chan struct{}
	datachannel   chan []byte
	flushInterval time.Duration
	dropped       atomic.Int64 // writes rejected because datachannel was full
	written       atomic.Int64
}

// NewWriter creates a Writer that holds up to channelDepth pending writes and
// flushes at least every flushInterval.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}

	go aw.writeLoop()
	return aw
}

// Write queues a copy of p. It never blocks: if the queue is full, the data
// are dropped and io.ErrShortWrite is returned.
func (aw *Writer) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case aw.datachannel <- data:
		return len(p), nil
	default:
		aw.dropped.Add(1)
		return 0, io.ErrShortWrite
	}
}

// WriteString queues s.
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Dropped returns how many writes were discarded because the queue was full.
func (aw *Writer) Dropped() int64 {
	return aw.dropped.Load()
}

// Written returns how many writes reached the underlying writer.
func (aw *Writer) Written() int64 {
	return aw.written.Load()
}

// Flush writes everything queued so far and blocks until it is done.
func (aw *Writer) Flush() error {
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return nil
}

// Close flushes remaining data and stops the write loop. Calling Write after
// Close drops data; calling Flush or Close after Close panics.
func (aw *Writer) Close() {
	close(aw.flushNow)
	<-aw.flushComplete
}

func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)

		case _, ok := <-aw.flushNow:
			aw.flush()
			aw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

func (aw *Writer) write(data []byte) {
	if _, err := aw.writer.Write(data); err == nil {
		aw.written.Add(1)
	}
}

// flush empties the queue, then flushes the bufio.Writer.
func (aw *Writer) flush() {
	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)
		default:
			aw.writer.Flush()
			return
		}
	}
}
