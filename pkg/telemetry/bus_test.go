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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

func TestBus_DeliversToSubscriber(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())

	var (
		mu     sync.Mutex
		events []models.TelemetryEvent
	)

	bus.Subscribe("command.completed", func(event models.TelemetryEvent) {
		mu.Lock()
		defer mu.Unlock()

		events = append(events, event)
	})

	bus.Emit("command.completed", map[string]any{"device_id": "dev1"})
	bus.Emit("command.dispatched", map[string]any{"device_id": "dev1"})
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, events, 1)
	assert.Equal(t, "command.completed", events[0].Topic)
	assert.Equal(t, "dev1", events[0].Payload["device_id"])
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestBus_GlobalEmissionOrder(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())

	var (
		mu       sync.Mutex
		observed []string
	)

	record := func(event models.TelemetryEvent) {
		mu.Lock()
		defer mu.Unlock()

		observed = append(observed, event.Topic)
	}

	bus.Subscribe("topic.a", record)
	bus.Subscribe("topic.b", record)

	var expected []string

	for i := 0; i < 50; i++ {
		topic := "topic.a"
		if i%2 == 1 {
			topic = "topic.b"
		}

		expected = append(expected, topic)
		bus.Emit(topic, map[string]any{"seq": i})
	}

	bus.Drain()

	mu.Lock()
	defer mu.Unlock()

	// A subscriber to both topics observes events in global emission
	// order, not merely per-topic order.
	assert.Equal(t, expected, observed)
}

func TestBus_WildcardMatchesEveryTopic(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())

	var (
		mu     sync.Mutex
		topics []string
	)

	bus.Subscribe(TopicWildcard, func(event models.TelemetryEvent) {
		mu.Lock()
		defer mu.Unlock()

		topics = append(topics, event.Topic)
	})

	bus.Emit("policy.evaluated", map[string]any{})
	bus.Emit("audit.record_appended", map[string]any{})
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"policy.evaluated", "audit.record_appended"}, topics)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())

	var (
		mu    sync.Mutex
		count int
	)

	sub := bus.Subscribe("topic.a", func(models.TelemetryEvent) {
		mu.Lock()
		defer mu.Unlock()

		count++
	})

	bus.Emit("topic.a", map[string]any{})
	bus.Drain()

	bus.Unsubscribe(sub)

	bus.Emit("topic.a", map[string]any{})
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, 1, count)
}

func TestBus_HandlerPanicIsIsolated(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())

	var (
		mu       sync.Mutex
		survived []string
	)

	bus.Subscribe("topic.a", func(models.TelemetryEvent) {
		panic("handler exploded")
	})

	bus.Subscribe("topic.a", func(event models.TelemetryEvent) {
		mu.Lock()
		defer mu.Unlock()

		survived = append(survived, fmt.Sprint(event.Payload["seq"]))
	})

	bus.Emit("topic.a", map[string]any{"seq": 1})
	bus.Emit("topic.a", map[string]any{"seq": 2})
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()

	// The panicking handler neither killed the dispatch loop nor its
	// sibling handler.
	assert.Equal(t, []string{"1", "2"}, survived)
}

func TestBus_EmitDoesNotBlockOnSlowHandler(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())

	release := make(chan struct{})

	bus.Subscribe("topic.slow", func(models.TelemetryEvent) {
		<-release
	})

	start := time.Now()

	for i := 0; i < 10; i++ {
		bus.Emit("topic.slow", map[string]any{"seq": i})
	}

	assert.Less(t, time.Since(start), time.Second)

	close(release)
	bus.Drain()
}

func TestWatcher_LongPollsOneTopic(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())

	w := bus.Watch("command.completed")
	defer w.Close()

	bus.Emit("command.completed", map[string]any{"device_id": "dev1"})
	bus.Emit("command.dispatched", map[string]any{"device_id": "dev1"})
	bus.Emit("command.completed", map[string]any{"device_id": "dev2"})
	bus.Drain()

	first := <-w.Events()
	second := <-w.Events()

	assert.Equal(t, "dev1", first.Payload["device_id"])
	assert.Equal(t, "dev2", second.Payload["device_id"])
}

func TestWatcher_CloseEndsStream(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())

	w := bus.Watch("topic.a")
	w.Close()

	_, open := <-w.Events()
	assert.False(t, open)

	// Emitting after close must not panic even though a delivery may race
	// the closed watcher.
	bus.Emit("topic.a", map[string]any{})
	bus.Drain()
}
