package mesh

import (
	"sync"

	"github.com/sourcegraph/conc"
)

// stream hands items to a subscriber without ever blocking the producer.
// Items queue in order until the subscriber reads them from out.
type stream[T any] struct {
	out  chan T
	wake chan struct{}
	done chan struct{}
	wg   conc.WaitGroup

	mu     sync.Mutex
	queue  []T
	closed bool
	once   sync.Once
}

func newStream[T any]() *stream[T] {
	s := &stream[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.wg.Go(s.pump)
	return s
}

func (s *stream[T]) push(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream[T]) pump() {
	defer close(s.out)
	var zero T
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}

// close discards anything still queued and closes out once the pump exits.
func (s *stream[T]) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
	})
}
