// Package fanout implements the Change Fan-out: delivering
// immutable before/after snapshots of a record's data to every
// registered observer whenever it changes. It is adapted from the
// teacher's pkg/events.Broker: the broker there is an asynchronous
// pub/sub fan-out; this one delivers synchronously and isolates each
// observer behind a recover(), since a misbehaving observer must never
// corrupt another observer's view or crash the caller that triggered
// the change.
package fanout

import (
	"fmt"

	"github.com/cuemby/playervault/pkg/log"
	"github.com/cuemby/playervault/pkg/types"
)

var logger = log.WithComponent("fanout")

// Change describes one committed change to a key's data.
type Change struct {
	Key    string
	Before types.Value
	After  types.Value
}

// Observer is called once per Change. Before and After are deep copies
// made for this observer alone, so mutating them affects neither the
// engine's own state nor any other observer's view.
type Observer func(Change)

// Broker holds the set of registered observers for one store.
type Broker struct {
	observers []Observer
}

// NewBroker creates a Broker with the given observers. Order is
// preserved: observers are invoked in registration order on every
// change.
func NewBroker(observers ...Observer) *Broker {
	b := &Broker{}
	b.observers = append(b.observers, observers...)
	return b
}

// Register adds an observer to the broker.
func (b *Broker) Register(o Observer) {
	b.observers = append(b.observers, o)
}

// Publish delivers a Change synchronously to every registered observer,
// in order, deep-copying Before and After separately for each one. A
// panicking observer is recovered and logged; it does not stop delivery
// to the remaining observers and never propagates to Publish's caller.
func (b *Broker) Publish(key string, before, after types.Value) {
	for _, obs := range b.observers {
		deliver(obs, Change{
			Key:    key,
			Before: types.DeepCopy(before),
			After:  types.DeepCopy(after),
		})
	}
}

func deliver(obs Observer, change Change) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithKey(change.Key).Error("observer panicked", fmt.Errorf("%v", r))
		}
	}()
	obs(change)
}
