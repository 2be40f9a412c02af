// Package observe provides the listener registry shared by the edit, note and
// quest sources.
package observe

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

// List is a copy-on-write listener list. Add and Remove publish a new
// snapshot; iteration works on the snapshot taken when it started, so
// listeners may register or unregister from inside a callback.
//
// Listeners are compared by identity. When L is an interface type the
// dynamic value must be comparable as well; register pointers.
type List[L comparable] struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]L]
}

// Add appends listener in registration order. Adding the same listener twice
// registers it twice, mirroring a plain list. Add panics for a listener whose
// dynamic type cannot be compared, since it could never be removed.
func (list *List[L]) Add(listener L) {
	if !isComparable(listener) {
		panic(fmt.Sprintf("observe: listener of type %T is not comparable, register a pointer", listener))
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	current := list.load()
	next := make([]L, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, listener)
	list.snapshot.Store(&next)
}

// Remove drops the first registration of listener and reports whether it was present.
func (list *List[L]) Remove(listener L) bool {
	if !isComparable(listener) {
		return false
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	current := list.load()
	for index, registered := range current {
		if registered != listener {
			continue
		}
		next := make([]L, 0, len(current)-1)
		next = append(next, current[:index]...)
		next = append(next, current[index+1:]...)
		list.snapshot.Store(&next)
		return true
	}
	return false
}

// Len returns the number of registrations.
func (list *List[L]) Len() int {
	return len(list.load())
}

// Each calls notify for every listener of the current snapshot in
// registration order, on the calling goroutine.
func (list *List[L]) Each(notify func(L)) {
	for _, listener := range list.load() {
		notify(listener)
	}
}

func (list *List[L]) load() []L {
	current := list.snapshot.Load()
	if current == nil {
		return nil
	}
	return *current
}

func isComparable[L comparable](listener L) bool {
	value := reflect.ValueOf(any(listener))
	return !value.IsValid() || value.Comparable()
}
