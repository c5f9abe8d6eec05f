package aggregator

import "github.com/JakeFAU/crawlwatch/internal/event"

// Policy merges a batch of pending events into the events delivered to the
// sink. Implementations must be pure and must not retain the input slice.
type Policy interface {
	Coalesce(events []event.Event) []event.Event
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(events []event.Event) []event.Event

// Coalesce calls f.
func (f PolicyFunc) Coalesce(events []event.Event) []event.Event {
	return f(events)
}

// KeyFunc maps an event to its coalescing identity.
type KeyFunc[K comparable] func(event.Event) K

// KeepLatest keeps the most recent event per key. Results are ordered by the
// position at which each key was first seen in the batch.
func KeepLatest[K comparable](key KeyFunc[K]) Policy {
	return PolicyFunc(func(events []event.Event) []event.Event {
		if len(events) == 0 {
			return nil
		}
		slot := make(map[K]int, len(events))
		out := make([]event.Event, 0, len(events))
		for _, evt := range events {
			k := key(evt)
			if i, ok := slot[k]; ok {
				out[i] = evt
				continue
			}
			slot[k] = len(out)
			out = append(out, evt)
		}
		return out
	})
}

// DefaultPolicy keys crawl_job_update events by job and everything else by type.
func DefaultPolicy() Policy {
	return KeepLatest[event.Key](event.KeyOf)
}

// Passthrough delivers every event unchanged.
func Passthrough() Policy {
	return PolicyFunc(func(events []event.Event) []event.Event {
		return append([]event.Event(nil), events...)
	})
}
