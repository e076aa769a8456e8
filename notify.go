package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Change Notifier
// ============================================================================

// ChangeHandler is called with the store version after every accepted change.
type ChangeHandler func(version uint64)

type changeNotifier struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]ChangeHandler
	log       zerolog.Logger
}

func newChangeNotifier(log zerolog.Logger) *changeNotifier {
	return &changeNotifier{listeners: make(map[int]ChangeHandler), log: log}
}

// subscribe registers h and returns the function that removes it.
func (n *changeNotifier) subscribe(h ChangeHandler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.listeners[id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

func (n *changeNotifier) emit(version uint64) {
	n.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(n.listeners))
	for i := 0; i < n.next; i++ {
		if h, ok := n.listeners[i]; ok {
			handlers = append(handlers, h)
		}
	}
	n.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.log.Error().Interface("panic", r).Msg("Change subscriber panicked")
				}
			}()
			h(version)
		}()
	}
}

func (n *changeNotifier) removeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = make(map[int]ChangeHandler)
}
