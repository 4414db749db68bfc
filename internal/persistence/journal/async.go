package journal

import (
	"sync"
	"sync/atomic"
)

// Stats reports the hand-off queue of an async journal.
type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropTotal      uint64
	WriteFailTotal uint64
}

// asyncWriter moves file writes off the caller's goroutine. A single writer
// goroutine owns the JSONLZstdWriter; lines are dropped when it falls behind.
type asyncWriter struct {
	w      *JSONLZstdWriter
	onFail func(error)

	mu     sync.RWMutex
	closed bool
	ch     chan any
	wg     sync.WaitGroup
	once   sync.Once

	dropTotal      atomic.Uint64
	writeFailTotal atomic.Uint64
}

const defaultQueueCapacity = 65536

func newAsyncWriter(w *JSONLZstdWriter, capacity int, onFail func(error)) *asyncWriter {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	a := &asyncWriter{w: w, onFail: onFail, ch: make(chan any, capacity)}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for v := range a.ch {
			if err := a.w.Write(v); err != nil {
				a.writeFailTotal.Add(1)
				if a.onFail != nil {
					a.onFail(err)
				}
			}
		}
	}()
	return a
}

// send never blocks. It reports false when the line was dropped.
func (a *asyncWriter) send(v any) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropTotal.Add(1)
		return false
	}
	select {
	case a.ch <- v:
		return true
	default:
		a.dropTotal.Add(1)
		return false
	}
}

// close drains queued lines, then closes the file.
func (a *asyncWriter) close() error {
	var err error
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
		a.wg.Wait()
		err = a.w.Close()
	})
	return err
}

func (a *asyncWriter) stats() Stats {
	return Stats{
		QueueDepth:     len(a.ch),
		QueueCapacity:  cap(a.ch),
		DropTotal:      a.dropTotal.Load(),
		WriteFailTotal: a.writeFailTotal.Load(),
	}
}
