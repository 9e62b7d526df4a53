package handler

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ghalamif/fieldlink/internal/ports"
)

// Sink is one named consumer in a Chain.
type Sink[T any] interface {
	Name() string
	Handle(item T) error
}

// Chain fans every item out to its sinks in registration order. Membership is
// copy-on-write, so a change only affects items handled after it.
type Chain[T any] struct {
	obs   ports.Observability
	mu    sync.Mutex // serialises writers
	sinks atomic.Pointer[[]Sink[T]]
}

func NewChain[T any](obs ports.Observability, sinks ...Sink[T]) *Chain[T] {
	c := &Chain[T]{obs: obs}
	initial := make([]Sink[T], 0, len(sinks))
	c.sinks.Store(&initial)
	for _, s := range sinks {
		c.Register(s)
	}
	return c
}

func (c *Chain[T]) snapshot() []Sink[T] {
	if p := c.sinks.Load(); p != nil {
		return *p
	}
	return nil
}

// Register appends s, or replaces a sink with the same name in place.
func (c *Chain[T]) Register(s Sink[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.snapshot()
	next := make([]Sink[T], 0, len(cur)+1)
	replaced := false
	for _, existing := range cur {
		if existing.Name() == s.Name() {
			next = append(next, s)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, s)
	}
	c.sinks.Store(&next)
}

// Remove drops the sink called name. It reports whether one was found.
func (c *Chain[T]) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.snapshot()
	next := make([]Sink[T], 0, len(cur))
	for _, existing := range cur {
		if existing.Name() != name {
			next = append(next, existing)
		}
	}
	c.sinks.Store(&next)
	return len(next) != len(cur)
}

func (c *Chain[T]) Names() []string {
	cur := c.snapshot()
	names := make([]string, len(cur))
	for i, s := range cur {
		names[i] = s.Name()
	}
	return names
}

func (c *Chain[T]) Len() int { return len(c.snapshot()) }

// Handle runs every sink. Sink errors and panics are logged and never
// returned, so one failing sink cannot starve the rest.
func (c *Chain[T]) Handle(item T) error {
	for _, s := range c.snapshot() {
		c.invoke(s, item)
	}
	return nil
}

func (c *Chain[T]) invoke(s Sink[T], item T) {
	defer func() {
		if r := recover(); r != nil {
			c.obs.IncCounter(ports.MetricSinkErrors, 1)
			c.obs.LogError("sink_panic", fmt.Errorf("%v", r), ports.Field{Key: "sink", Value: s.Name()})
		}
	}()
	if err := s.Handle(item); err != nil {
		c.obs.IncCounter(ports.MetricSinkErrors, 1)
		c.obs.LogError("sink_failed", err, ports.Field{Key: "sink", Value: s.Name()})
	}
}
