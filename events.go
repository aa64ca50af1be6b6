package rentdesk

import "sync"

// Events emitted by the Client and its Flusher.
const (
	EventNetworkOnline    = "network.online"
	EventNetworkOffline   = "network.offline"
	EventSessionExpired   = "session.expired"
	EventPermissionDenied = "permission.denied"
	EventOutboxQueued     = "outbox.queued"
	EventOutboxSending    = "outbox.sending"
	EventOutboxConfirmed  = "outbox.confirmed"
	EventOutboxConflict   = "outbox.conflict"
	EventOutboxFailed     = "outbox.failed"
	EventSyncComplete     = "sync.complete"
)

// EventHandler handles client events. The payload type depends on the
// event: NetworkStatus, *APIError, *SyncAction or FlushResult.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        *sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() emitter {
	return emitter{mu: &sync.RWMutex{}, listeners: make(map[string][]EventHandler)}
}

// On registers handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
