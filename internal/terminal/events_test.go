package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterDeliversInSubscriptionOrder(t *testing.T) {
	e := NewEmitter()
	var got []int
	e.Subscribe(EventLine, func(Event) { got = append(got, 1) })
	e.Subscribe(EventLine, func(Event) { got = append(got, 2) })
	e.Subscribe(EventLine, func(Event) { got = append(got, 3) })

	e.Emit(Event{Kind: EventLine, Line: "x"})
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestEmitterKindsAreIndependent(t *testing.T) {
	e := NewEmitter()
	var lines, completes int
	e.Subscribe(EventLine, func(Event) { lines++ })
	e.Subscribe(EventComplete, func(Event) { completes++ })

	e.Emit(Event{Kind: EventLine})
	e.Emit(Event{Kind: EventLine})
	e.Emit(Event{Kind: EventComplete})

	assert.Equal(t, 2, lines)
	assert.Equal(t, 1, completes)
}

func TestEmitterUnsubscribe(t *testing.T) {
	e := NewEmitter()
	var n int
	unsub := e.Subscribe(EventLine, func(Event) { n++ })
	e.Emit(Event{Kind: EventLine})

	unsub()
	unsub() // second call is a no-op
	e.Emit(Event{Kind: EventLine})

	assert.Equal(t, 1, n)
	assert.Equal(t, 0, e.SubscriberCount(EventLine))
}

func TestEmitterRemoveAll(t *testing.T) {
	e := NewEmitter()
	e.Subscribe(EventLine, func(Event) {})
	e.Subscribe(EventLine, func(Event) {})
	e.Subscribe(EventContinue, func(Event) {})

	e.RemoveAll(EventLine)

	assert.Equal(t, 0, e.SubscriberCount(EventLine))
	assert.Equal(t, 1, e.SubscriberCount(EventContinue))
}

func TestEmitterSubscribeFromCallback(t *testing.T) {
	e := NewEmitter()
	var late int
	e.Subscribe(EventLine, func(Event) {
		e.Subscribe(EventLine, func(Event) { late++ })
	})

	e.Emit(Event{Kind: EventLine})
	assert.Equal(t, 0, late, "subscriber added mid-emit must not see the current event")

	e.Emit(Event{Kind: EventLine})
	assert.Equal(t, 1, late)
}

func TestEmitterUnsubscribeFromCallback(t *testing.T) {
	e := NewEmitter()
	var n int
	var unsub func()
	unsub = e.Subscribe(EventLine, func(Event) {
		n++
		unsub()
	})

	e.Emit(Event{Kind: EventLine})
	e.Emit(Event{Kind: EventLine})
	assert.Equal(t, 1, n)
}
