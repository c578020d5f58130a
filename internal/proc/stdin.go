package proc

import (
	"fmt"
	"sync"
)

// stdin is the kernel's line discipline: a queue of raw bytes the UART
// interrupt handler appends to, assembled a line at a time for whichever
// process is blocked in GetUserInput. Backspace (8) and DEL (0x7f) erase
// the previous character of the in-progress line; CR or LF ends it. The
// in-progress line survives across calls, since a blocked GetUserInput may
// be resumed and find the buffer empty again before a terminator arrives.
type stdin struct {
	mu      sync.Mutex
	queued  []byte
	pending []byte
	echo    func(byte)
}

func newStdin(echo func(byte)) *stdin {
	return &stdin{echo: echo}
}

// put appends one raw input byte to the queue, to be consumed by the next
// takeLine call.
func (s *stdin) put(c byte) {
	s.mu.Lock()
	s.queued = append(s.queued, c)
	s.mu.Unlock()
}

// takeLine drains whatever input is queued into the in-progress line,
// applying backspace/DEL editing and echoing each byte it consumes. When a
// line terminator is found, it copies the completed line into out and
// clears the in-progress state. done is false if the queue ran dry first,
// in which case the caller should block and call takeLine again once more
// input arrives.
func (s *stdin) takeLine(out []byte) (n int, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queued) > 0 {
		c := s.queued[0]
		s.queued = s.queued[1:]

		length := len(s.pending)

		if length > 0 || (c != 8 && c != 0x7f) {
			if s.echo != nil {
				s.echo(c)
			}
		}

		switch c {
		case '\r', '\n':
			n = copy(out, s.pending)
			s.pending = nil

			return n, true, nil
		case 8, 0x7f:
			if length > 0 {
				s.pending = s.pending[:length-1]
			}
		default:
			if length >= len(out) {
				s.pending = nil
				return 0, true, fmt.Errorf("%w: %w", ErrProc, ErrLineTooLong)
			}

			s.pending = append(s.pending, c)
		}
	}

	return 0, false, nil
}
