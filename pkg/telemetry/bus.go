/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package telemetry implements the in-process publish/subscribe event bus.
// One bus instance is constructed per process and passed explicitly to every
// dependent, so each test can build a fresh isolated instance.
package telemetry

import (
	"sync"
	"time"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

// TopicWildcard subscribes a handler to every event on the bus.
const TopicWildcard = "*"

// Handler receives one event. Handlers for a single event run concurrently;
// the bus joins them before dispatching the next event, so events are
// observed in global emission order.
type Handler func(event models.TelemetryEvent)

// Subscription identifies one registered handler for Unsubscribe.
type Subscription struct {
	id    uint64
	topic string
}

// Bus is an asynchronous in-process pub/sub bus. Emit never blocks the
// caller: events are queued and drained by a single background dispatch
// goroutine that starts lazily and exits once the queue is empty and no
// subscribers remain.
type Bus struct {
	log logger.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	subs     map[string]map[uint64]Handler
	queue    []models.TelemetryEvent
	nextID   uint64
	running  bool
	inFlight bool
}

// NewBus creates an idle bus.
func NewBus(log logger.Logger) *Bus {
	b := &Bus{
		log:  log,
		subs: make(map[string]map[uint64]Handler),
	}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// Subscribe registers a handler for a topic (TopicWildcard matches all).
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}

	b.subs[topic][id] = handler

	return &Subscription{id: id, topic: topic}
}

// Unsubscribe removes a previously registered handler. Unknown or already
// removed subscriptions are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.subs[sub.topic]; ok {
		delete(handlers, sub.id)

		if len(handlers) == 0 {
			delete(b.subs, sub.topic)
		}
	}

	// The dispatch loop may be parked waiting for work; wake it so it can
	// exit if this was the last subscriber.
	b.cond.Broadcast()
}

// Emit enqueues an event and returns immediately. The dispatch loop is
// started on demand if it is not already running.
func (b *Bus) Emit(topic string, payload map[string]any) {
	event := models.TelemetryEvent{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue = append(b.queue, event)

	if !b.running {
		b.running = true

		go b.dispatchLoop()
	}

	b.cond.Broadcast()
}

// Drain blocks until every queued event has been fully dispatched.
func (b *Bus) Drain() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) > 0 || b.inFlight {
		b.cond.Wait()
	}
}

func (b *Bus) dispatchLoop() {
	b.mu.Lock()

	for {
		for len(b.queue) == 0 && b.hasSubscribersLocked() {
			b.cond.Wait()
		}

		if len(b.queue) == 0 {
			b.running = false
			b.cond.Broadcast()
			b.mu.Unlock()

			return
		}

		event := b.queue[0]
		b.queue = b.queue[1:]
		b.inFlight = true
		handlers := b.matchingHandlersLocked(event.Topic)
		b.mu.Unlock()

		b.deliver(event, handlers)

		b.mu.Lock()
		b.inFlight = false
		b.cond.Broadcast()
	}
}

// deliver fans one event out to its handlers concurrently and waits for all
// of them. A panicking handler is isolated: it is logged and does not affect
// the loop or sibling handlers.
func (b *Bus) deliver(event models.TelemetryEvent, handlers []Handler) {
	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup

	for _, handler := range handlers {
		wg.Add(1)

		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.log.Warn().
						Str("topic", event.Topic).
						Interface("panic", r).
						Msg("Telemetry handler panicked")
				}
			}()

			h(event)
		}(handler)
	}

	wg.Wait()
}

func (b *Bus) hasSubscribersLocked() bool {
	return len(b.subs) > 0
}

func (b *Bus) matchingHandlersLocked(topic string) []Handler {
	handlers := make([]Handler, 0, len(b.subs[topic])+len(b.subs[TopicWildcard]))

	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}

	if topic != TopicWildcard {
		for _, h := range b.subs[TopicWildcard] {
			handlers = append(handlers, h)
		}
	}

	return handlers
}
