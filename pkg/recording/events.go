package recording

import (
	"sync"
	"time"
)

// listenerRegistry holds the public lifecycle Event listeners of one task.
//
// Fan-out may run on the task's worker goroutine or on a collaborator's
// notification goroutine while other goroutines add or remove listeners, so
// every notification iterates a snapshot taken under the read lock. A
// listener removed before a fan-out begins is never invoked by it; a listener
// removed during a fan-out may still receive that event.
type listenerRegistry struct {
	mu        sync.RWMutex
	listeners []EventListener
	logger    Logger
}

func newListenerRegistry(logger Logger) *listenerRegistry {
	return &listenerRegistry{logger: logger}
}

// Add registers a listener. Duplicate registrations deliver duplicate
// events, matching the registration count.
func (r *listenerRegistry) Add(listener EventListener) {
	if listener == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// Remove unregisters the first registration of listener, comparing with ==.
func (r *listenerRegistry) Remove(listener EventListener) {
	if listener == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l == listener {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Clear drops every listener. Called during task uninitialization.
func (r *listenerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = nil
}

// Len reports the current registration count.
func (r *listenerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Notify fans the event out to a snapshot of the current listeners. A
// panicking listener is isolated and logged; it never takes down the
// notifying goroutine.
func (r *listenerRegistry) Notify(event Event) {
	r.mu.RLock()
	snapshot := make([]EventListener, len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.RUnlock()

	for _, listener := range snapshot {
		r.dispatch(listener, event)
	}
}

func (r *listenerRegistry) dispatch(listener EventListener, event Event) {
	defer func() {
		if rec := recover(); rec != nil && r.logger != nil {
			r.logger.Error("event listener panicked",
				"eventType", event.Type,
				"panic", rec,
			)
		}
	}()
	listener.HandleEvent(event)
}

// newEvent builds an immutable Event stamped with the current time.
func newEvent(eventType EventType, task *Task, err error) Event {
	return Event{
		Type:      eventType,
		Task:      task,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// newTaskEvent builds an internal TaskEvent stamped with the current time.
func newTaskEvent(eventType TaskEventType, occupant string) TaskEvent {
	return TaskEvent{
		Type:      eventType,
		Occupant:  occupant,
		Timestamp: time.Now(),
	}
}
