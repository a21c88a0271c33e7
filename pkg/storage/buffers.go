package storage

// bufferSlot is a single-owner loanable buffer.
//
// The slot either holds its buffer or has loaned it to an in-flight
// medium operation; a second loan before the first returns is a
// program-order bug and is refused rather than tolerated. Completions
// reclaim the loan.
type bufferSlot struct {
	buf    []byte
	onLoan bool
}

func newBufferSlot(size int) *bufferSlot {
	return &bufferSlot{buf: make([]byte, size)}
}

// loan hands the buffer out for one medium operation. It returns false
// if the buffer is absent or already on loan.
func (s *bufferSlot) loan() ([]byte, bool) {
	if s.onLoan || len(s.buf) == 0 {
		return nil, false
	}
	s.onLoan = true
	return s.buf, true
}

// reclaim takes the buffer back after its completion.
func (s *bufferSlot) reclaim() {
	s.onLoan = false
}

// available reports whether the slot could satisfy a loan right now.
func (s *bufferSlot) available() bool {
	return !s.onLoan && len(s.buf) > 0
}

// size returns the slot capacity.
func (s *bufferSlot) size() int {
	return len(s.buf)
}
