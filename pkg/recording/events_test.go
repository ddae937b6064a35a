package recording

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *countingListener) HandleEvent(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *countingListener) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event{}, l.events...)
}

type panickingListener struct{}

func (panickingListener) HandleEvent(Event) {
	panic("listener exploded")
}

// TestListenerRegistryAddRemove tests registration bookkeeping.
func TestListenerRegistryAddRemove(t *testing.T) {
	registry := newListenerRegistry(newTestLogger())
	assert.Equal(t, 0, registry.Len())

	first := &countingListener{}
	second := &countingListener{}

	// Nil registrations are ignored.
	registry.Add(nil)
	assert.Equal(t, 0, registry.Len())

	registry.Add(first)
	registry.Add(second)
	assert.Equal(t, 2, registry.Len())

	// The same listener may be registered twice.
	registry.Add(first)
	assert.Equal(t, 3, registry.Len())

	// Remove drops only the first matching registration.
	registry.Remove(first)
	assert.Equal(t, 2, registry.Len())

	// Removing an unknown listener is a no-op.
	registry.Remove(&countingListener{})
	assert.Equal(t, 2, registry.Len())

	registry.Clear()
	assert.Equal(t, 0, registry.Len())
}

// TestListenerRegistryNotify tests that every registered listener receives
// the event.
func TestListenerRegistryNotify(t *testing.T) {
	registry := newListenerRegistry(newTestLogger())
	first := &countingListener{}
	second := &countingListener{}
	registry.Add(first)
	registry.Add(second)

	cause := errors.New("ice gave up")
	registry.Notify(newEvent(EventTypeAborted, nil, cause))

	for _, listener := range []*countingListener{first, second} {
		events := listener.Events()
		require.Len(t, events, 1)
		assert.Equal(t, EventTypeAborted, events[0].Type)
		assert.Equal(t, cause, events[0].Err)
		assert.Nil(t, events[0].Task)
		assert.False(t, events[0].Timestamp.IsZero())
	}
}

// TestListenerRegistryRemovedListenerNotNotified tests that a listener
// removed before Notify sees nothing.
func TestListenerRegistryRemovedListenerNotNotified(t *testing.T) {
	registry := newListenerRegistry(newTestLogger())
	removed := &countingListener{}
	kept := &countingListener{}
	registry.Add(removed)
	registry.Add(kept)
	registry.Remove(removed)

	registry.Notify(newEvent(EventTypeEnded, nil, nil))

	assert.Empty(t, removed.Events())
	assert.Len(t, kept.Events(), 1)
}

// TestListenerRegistryDuplicateRegistration tests that a doubly registered
// listener is invoked once per registration.
func TestListenerRegistryDuplicateRegistration(t *testing.T) {
	registry := newListenerRegistry(newTestLogger())
	listener := &countingListener{}
	registry.Add(listener)
	registry.Add(listener)

	registry.Notify(newEvent(EventTypeEnded, nil, nil))

	assert.Len(t, listener.Events(), 2)
}

// TestListenerRegistryPanicIsolation tests that a panicking listener does
// not prevent delivery to the remaining listeners.
func TestListenerRegistryPanicIsolation(t *testing.T) {
	registry := newListenerRegistry(newTestLogger())
	survivor := &countingListener{}
	registry.Add(panickingListener{})
	registry.Add(survivor)

	registry.Notify(newEvent(EventTypeEnded, nil, nil))
	assert.Len(t, survivor.Events(), 1)

	// The registry keeps working after the panic.
	registry.Notify(newEvent(EventTypeAborted, nil, errors.New("boom")))
	assert.Len(t, survivor.Events(), 2)
}

// TestListenerRegistryConcurrentNotify tests delivery under concurrent
// notification.
func TestListenerRegistryConcurrentNotify(t *testing.T) {
	registry := newListenerRegistry(newTestLogger())
	listener := &countingListener{}
	registry.Add(listener)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				registry.Notify(newEvent(EventTypeEnded, nil, nil))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, listener.Events(), 100)
}

// TestNewTaskEvent tests the churn event constructor.
func TestNewTaskEvent(t *testing.T) {
	before := time.Now()
	event := newTaskEvent(TaskEventParticipantCame, "alice")
	assert.Equal(t, TaskEventParticipantCame, event.Type)
	assert.Equal(t, "alice", event.Occupant)
	assert.False(t, event.Timestamp.Before(before))
}
