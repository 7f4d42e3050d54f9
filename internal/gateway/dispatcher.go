package gateway

import "sync"

// NotifyHandler receives server-push notifications. Handlers run on the
// client's receive goroutine and must not block.
type NotifyHandler func(eventType string, body []byte)

// Wildcard subscribes a handler to every notification type.
const Wildcard = "*"

type dispatcher struct {
	mu       sync.Mutex
	handlers map[string][]NotifyHandler
	wildcard []NotifyHandler
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string][]NotifyHandler)}
}

func (d *dispatcher) on(eventType string, handler NotifyHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if eventType == Wildcard {
		d.wildcard = append(d.wildcard, handler)
		return
	}
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

func (d *dispatcher) emit(eventType string, body []byte) {
	d.mu.Lock()
	handlers := make([]NotifyHandler, 0, len(d.handlers[eventType])+len(d.wildcard))
	handlers = append(handlers, d.handlers[eventType]...)
	handlers = append(handlers, d.wildcard...)
	d.mu.Unlock()

	for _, handler := range handlers {
		handler(eventType, body)
	}
}

func (d *dispatcher) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = make(map[string][]NotifyHandler)
	d.wildcard = nil
}
