package transport

import (
	"reflect"
	"time"
)

// Item is one frame set received during a poll.
type Item struct {
	Socket Socket
	Frames [][]byte
}

// Poller multiplexes a fixed set of sockets. Each Poll takes at most one
// frame set per readable socket, in registration order, which is the
// semantics of a zmq_poll followed by one recv per POLLIN socket.
type Poller struct {
	socks  []Socket
	closed []bool
}

// NewPoller registers socks. Nil entries are ignored.
func NewPoller(socks ...Socket) *Poller {
	p := &Poller{}
	for _, s := range socks {
		if s != nil {
			p.socks = append(p.socks, s)
		}
	}
	p.closed = make([]bool, len(p.socks))
	return p
}

// Len is the number of registered sockets.
func (p *Poller) Len() int { return len(p.socks) }

// Poll waits up to timeout for any socket to become readable. A zero
// timeout never blocks.
func (p *Poller) Poll(timeout time.Duration) []Item {
	ready := make([]*Item, len(p.socks))
	if p.sweep(ready) > 0 {
		return collect(ready)
	}
	if timeout <= 0 {
		return nil
	}

	cases := make([]reflect.SelectCase, 0, len(p.socks)+1)
	index := make([]int, 0, len(p.socks))
	for i, s := range p.socks {
		if p.closed[i] {
			continue
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.C())})
		index = append(index, i)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})

	chosen, v, ok := reflect.Select(cases)
	if chosen == len(cases)-1 {
		return nil
	}
	i := index[chosen]
	if !ok {
		p.closed[i] = true
		return nil
	}
	ready[i] = &Item{Socket: p.socks[i], Frames: v.Interface().([][]byte)}
	p.sweep(ready)
	return collect(ready)
}

// sweep fills empty slots of ready without blocking.
func (p *Poller) sweep(ready []*Item) int {
	n := 0
	for i, s := range p.socks {
		if ready[i] != nil {
			n++
			continue
		}
		if p.closed[i] {
			continue
		}
		select {
		case f, ok := <-s.C():
			if !ok {
				p.closed[i] = true
				continue
			}
			ready[i] = &Item{Socket: s, Frames: f}
			n++
		default:
		}
	}
	return n
}

func collect(ready []*Item) []Item {
	out := make([]Item, 0, len(ready))
	for _, it := range ready {
		if it != nil {
			out = append(out, *it)
		}
	}
	return out
}
