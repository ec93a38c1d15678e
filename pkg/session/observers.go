package session

import (
	"sort"
	"sync"
)

// Observers is a callback registry notified after every mutation of the conversation view.
type Observers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func()
}

func NewObservers() *Observers {
	return &Observers{fns: map[int]func(){}}
}

// Subscribe registers fn and returns a function removing it again.
func (o *Observers) Subscribe(fn func()) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.fns, id)
		})
	}
}

// Notify calls every subscriber in subscription order.
func (o *Observers) Notify() {
	o.mu.Lock()
	ids := make([]int, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	fns := make([]func(), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, o.fns[id])
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (o *Observers) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.fns)
}
