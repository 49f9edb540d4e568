package transport

import (
	"sync"
)

// Mem is an in-process Socket. Frames written with Inject show up on C;
// frames passed to Send show up on Out. Pair links two Mem sockets back
// to back.
type Mem struct {
	name string
	in   chan [][]byte
	out  chan [][]byte
	once sync.Once
	mu   sync.RWMutex
	done bool
}

// NewMem returns an unconnected Mem socket with buffer capacity.
func NewMem(name string, buffer int) *Mem {
	return &Mem{name: name, in: make(chan [][]byte, buffer), out: make(chan [][]byte, buffer)}
}

// Pair returns two Mem sockets where a's sends arrive on b and back.
func Pair(nameA, nameB string, buffer int) (*Mem, *Mem) {
	ab := make(chan [][]byte, buffer)
	ba := make(chan [][]byte, buffer)
	return &Mem{name: nameA, in: ba, out: ab}, &Mem{name: nameB, in: ab, out: ba}
}

func (m *Mem) Name() string { return m.name }

func (m *Mem) C() <-chan [][]byte { return m.in }

// Out exposes everything sent through the socket.
func (m *Mem) Out() <-chan [][]byte { return m.out }

// Inject queues frames as if a peer had sent them.
func (m *Mem) Inject(frames ...[]byte) {
	m.in <- frames
}

func (m *Mem) Send(frames [][]byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.done {
		return ErrClosed
	}
	cp := make([][]byte, len(frames))
	for i, f := range frames {
		cp[i] = append([]byte(nil), f...)
	}
	m.out <- cp
	return nil
}

func (m *Mem) Close() error {
	m.mu.Lock()
	m.done = true
	m.mu.Unlock()
	return nil
}
