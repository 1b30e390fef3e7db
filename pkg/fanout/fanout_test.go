package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublish_DeliversToAllObserversInOrder(t *testing.T) {
	var order []int
	b := NewBroker(
		func(c Change) { order = append(order, 1) },
		func(c Change) { order = append(order, 2) },
	)
	b.Publish("players/alice", map[string]any{"coins": float64(1)}, map[string]any{"coins": float64(2)})
	assert.Equal(t, []int{1, 2}, order)
}

func TestPublish_ObserverSeesDeepCopiedValues(t *testing.T) {
	before := map[string]any{"coins": float64(1)}
	after := map[string]any{"coins": float64(2)}

	var seen Change
	b := NewBroker(func(c Change) { seen = c })
	b.Publish("players/bob", before, after)

	seen.After.(map[string]any)["coins"] = float64(999)
	assert.Equal(t, float64(2), after["coins"])
}

func TestPublish_PanickingObserverDoesNotStopOthers(t *testing.T) {
	calledSecond := false
	b := NewBroker(
		func(c Change) { panic("boom") },
		func(c Change) { calledSecond = true },
	)
	assert.NotPanics(t, func() {
		b.Publish("players/carl", nil, map[string]any{"x": float64(1)})
	})
	assert.True(t, calledSecond)
}

func TestRegister_AddsObserverAfterConstruction(t *testing.T) {
	count := 0
	b := NewBroker()
	b.Register(func(c Change) { count++ })
	b.Publish("players/dana", nil, nil)
	assert.Equal(t, 1, count)
}
