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

package telemetry

import (
	"sync"

	"github.com/carverauto/fleetgate/pkg/models"
)

const watchBuffer = 256

// Watcher is a derived per-call event queue for long-polling one topic,
// used by dashboards and other pull-style consumers.
type Watcher struct {
	bus *Bus
	sub *Subscription
	ch  chan models.TelemetryEvent

	mu     sync.Mutex
	closed bool
}

// Watch subscribes a buffered channel to the topic. Events are dropped when
// the watcher lags behind the bus; the bus itself is never stalled by a slow
// watcher.
func (b *Bus) Watch(topic string) *Watcher {
	w := &Watcher{
		bus: b,
		ch:  make(chan models.TelemetryEvent, watchBuffer),
	}

	w.sub = b.Subscribe(topic, w.forward)

	return w
}

// Events returns the channel delivering matched events in emission order.
func (w *Watcher) Events() <-chan models.TelemetryEvent {
	return w.ch
}

// Close unsubscribes from the bus and closes the event channel.
func (w *Watcher) Close() {
	w.bus.Unsubscribe(w.sub)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}

func (w *Watcher) forward(event models.TelemetryEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	select {
	case w.ch <- event:
	default:
	}
}
