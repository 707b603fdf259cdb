// Package portalloc hands out ports from an inclusive range, always
// preferring the lowest free one.
package portalloc

import (
	"math/bits"
	"sync"

	E "github.com/sagernet/sing/common/exceptions"
)

var ErrExhausted = E.New("no free port in range")

type BindFunc func(port uint16) error

type Allocator struct {
	access sync.Mutex
	start  uint16
	end    uint16
	used   []uint64
	count  int
}

func New(start uint16, end uint16) *Allocator {
	size := int(end) - int(start) + 1
	return &Allocator{
		start: start,
		end:   end,
		used:  make([]uint64, (size+63)/64),
	}
}

// Acquire marks a port as used once bind succeeds on it. The preferred port
// is tried first when it lies in range and is free; otherwise ports are
// scanned upward from the start of the range.
func (a *Allocator) Acquire(preferred uint16, bind BindFunc) (uint16, error) {
	a.access.Lock()
	defer a.access.Unlock()
	var lastErr error
	if preferred != 0 && a.contains(preferred) && !a.isUsed(preferred) {
		err := bind(preferred)
		if err == nil {
			a.mark(preferred)
			return preferred, nil
		}
		lastErr = err
	}
	for index, word := range a.used {
		for word != ^uint64(0) {
			offset := bits.TrailingZeros64(^word)
			word |= 1 << offset
			position := index*64 + offset
			if position > int(a.end)-int(a.start) {
				break
			}
			port := uint16(int(a.start) + position)
			if port == preferred {
				continue
			}
			err := bind(port)
			if err != nil {
				lastErr = err
				continue
			}
			a.mark(port)
			return port, nil
		}
	}
	if lastErr != nil {
		return 0, E.Errors(ErrExhausted, lastErr)
	}
	return 0, ErrExhausted
}

// Release returns port to the pool. Callers release only after the socket
// bound to it has finished closing.
func (a *Allocator) Release(port uint16) {
	a.access.Lock()
	defer a.access.Unlock()
	if !a.contains(port) || !a.isUsed(port) {
		return
	}
	position := int(port - a.start)
	a.used[position/64] &^= 1 << (position % 64)
	a.count--
}

func (a *Allocator) InUse(port uint16) bool {
	a.access.Lock()
	defer a.access.Unlock()
	return a.contains(port) && a.isUsed(port)
}

func (a *Allocator) Len() int {
	a.access.Lock()
	defer a.access.Unlock()
	return a.count
}

func (a *Allocator) contains(port uint16) bool {
	return port >= a.start && port <= a.end
}

func (a *Allocator) isUsed(port uint16) bool {
	position := int(port - a.start)
	return a.used[position/64]&(1<<(position%64)) != 0
}

func (a *Allocator) mark(port uint16) {
	position := int(port - a.start)
	a.used[position/64] |= 1 << (position % 64)
	a.count++
}
