package encoder

// DefaultHardwareSessions bounds concurrent hardware encoder sessions
const DefaultHardwareSessions = 2

// Pool is a counting semaphore of hardware encoder sessions
type Pool struct {
	slots chan struct{}
}

// NewPool creates a pool of size sessions
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultHardwareSessions
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// TryAcquire takes a session without blocking
func (p *Pool) TryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a session
func (p *Pool) Release() {
	select {
	case <-p.slots:
	default:
	}
}

// InUse returns the number of sessions held
func (p *Pool) InUse() int {
	return len(p.slots)
}

// Size returns the pool capacity
func (p *Pool) Size() int {
	return cap(p.slots)
}
