package sync

import (
	"slices"
	"sync"
)

// BeforeDisconnectFunc is invoked synchronously, in registration order,
// when BeforeDisconnect is called.
type BeforeDisconnectFunc func()

// hookManager collects BeforeDisconnect callbacks.
//
// It is safe for concurrent use.
type hookManager struct {
	mutex                sync.Mutex
	beforeDisconnectFunc []BeforeDisconnectFunc
}

func newHookManager() *hookManager {
	return &hookManager{}
}

func (h *hookManager) BeforeDisconnect(callbacks ...BeforeDisconnectFunc) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.beforeDisconnectFunc = append(h.beforeDisconnectFunc, callbacks...)
}

// beforeDisconnectFuncs returns the registered hooks in registration
// order.
func (h *hookManager) beforeDisconnectFuncs() []BeforeDisconnectFunc {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return slices.Clone(h.beforeDisconnectFunc)
}
