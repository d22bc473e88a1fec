// Copyright 2022-2023 The budrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelManagerClientLifecycle(t *testing.T) {
	assert := assert.New(t)

	uut := NewChannelManager()
	assert.Equal(0, uut.GetStats().ClientCount)

	uut.AddClient("session-1", "user-1")
	uut.AddClient("session-2", "user-2")
	assert.Equal(2, uut.GetStats().ClientCount)

	// Unknown session removal is a no-op
	uut.RemoveClient("session-unknown")
	assert.Equal(2, uut.GetStats().ClientCount)

	uut.RemoveClient("session-1")
	assert.Equal(1, uut.GetStats().ClientCount)

	// Operations against an unregistered client fail
	sub := NewSubscription(ChannelObservability, nil)
	assert.False(uut.Subscribe("session-1", sub))
	assert.False(uut.Unsubscribe("session-1", sub))
}

func TestChannelManagerSharedSubscriptionRefCount(t *testing.T) {
	assert := assert.New(t)

	uut := NewChannelManager()
	uut.AddClient("session-1", "user-1")
	uut.AddClient("session-2", "user-2")

	shared := NewSubscription(ChannelObservability, map[string]string{
		"project_id": "proj-1",
	})

	// Two clients hold an identical subscription; it counts once
	assert.True(uut.Subscribe("session-1", shared))
	assert.True(uut.Subscribe("session-2", shared))
	assert.True(uut.HasSubscribers(ChannelObservability))
	assert.Equal(1, uut.GetSubscriberCount(ChannelObservability))

	// One of them leaves; the subscription stays active
	assert.True(uut.Unsubscribe("session-1", shared))
	assert.True(uut.HasSubscribers(ChannelObservability))
	assert.Equal(1, uut.GetSubscriberCount(ChannelObservability))

	// Last holder leaves; the channel goes quiet
	assert.True(uut.Unsubscribe("session-2", shared))
	assert.False(uut.HasSubscribers(ChannelObservability))
	assert.Equal(0, uut.GetSubscriberCount(ChannelObservability))
}

func TestChannelManagerDisconnectReleasesSubscriptions(t *testing.T) {
	assert := assert.New(t)

	uut := NewChannelManager()
	uut.AddClient("session-1", "user-1")
	uut.AddClient("session-2", "user-2")

	shared := NewSubscription(ChannelObservability, map[string]string{
		"project_id": "proj-1",
	})
	only := NewSubscription(ChannelObservability, map[string]string{
		"project_id": "proj-2",
	})

	assert.True(uut.Subscribe("session-1", shared))
	assert.True(uut.Subscribe("session-1", only))
	assert.True(uut.Subscribe("session-2", shared))
	assert.Equal(2, uut.GetSubscriberCount(ChannelObservability))

	// Disconnect drops session-1's exclusive subscription but the shared one
	// survives through session-2
	uut.RemoveClient("session-1")
	assert.Equal(1, uut.GetSubscriberCount(ChannelObservability))
	assert.True(uut.HasSubscribers(ChannelObservability))

	uut.RemoveClient("session-2")
	assert.False(uut.HasSubscribers(ChannelObservability))
}

func TestChannelManagerIdempotentSubscribe(t *testing.T) {
	assert := assert.New(t)

	uut := NewChannelManager()
	uut.AddClient("session-1", "user-1")

	sub := NewSubscription(ChannelObservability, map[string]string{
		"project_id": "proj-1",
	})
	assert.True(uut.Subscribe("session-1", sub))
	assert.True(uut.Subscribe("session-1", sub))
	assert.Equal(1, uut.GetSubscriberCount(ChannelObservability))

	// A single unsubscribe fully releases despite the double subscribe
	assert.True(uut.Unsubscribe("session-1", sub))
	assert.False(uut.HasSubscribers(ChannelObservability))

	// Unsubscribing a never-held subscription is a no-op success
	assert.True(uut.Unsubscribe("session-1", sub))
}

func testSpanWithAttributes(spanID string, attributes map[string]string) SpanRecord {
	return SpanRecord{
		SpanID:         spanID,
		SpanAttributes: attributes,
	}
}

func TestChannelManagerGroupBySubscription(t *testing.T) {
	assert := assert.New(t)

	uut := NewChannelManager()
	uut.AddClient("session-1", "user-1")
	uut.AddClient("session-2", "user-2")
	uut.AddClient("session-3", "user-3")

	wildcard := NewSubscription(ChannelObservability, nil)
	projOnly := NewSubscription(ChannelObservability, map[string]string{
		"project_id": "proj-1",
	})
	projAndEndpoint := NewSubscription(ChannelObservability, map[string]string{
		"project_id": "proj-1", "endpoint_id": "ep-1",
	})
	assert.True(uut.Subscribe("session-1", wildcard))
	assert.True(uut.Subscribe("session-2", projOnly))
	assert.True(uut.Subscribe("session-3", projAndEndpoint))

	spans := []SpanRecord{
		testSpanWithAttributes("span-1", map[string]string{
			"bud.project_id": "proj-1", "bud.endpoint_id": "ep-1",
		}),
		testSpanWithAttributes("span-2", map[string]string{
			"bud.project_id": "proj-1",
		}),
		testSpanWithAttributes("span-3", map[string]string{
			"bud.project_id": "proj-2",
		}),
		testSpanWithAttributes("span-4", nil),
	}

	grouped := uut.GroupBySubscription(ChannelObservability, spans)
	assert.Len(grouped, 3)

	// Wildcard sees all spans
	wildcardSpans := grouped[wildcard.RoomName()]
	assert.Len(wildcardSpans, 4)

	// project_id=proj-1 sees spans 1 and 2
	projSpans := grouped[projOnly.RoomName()]
	assert.Len(projSpans, 2)
	assert.Equal("span-1", projSpans[0].SpanID)
	assert.Equal("span-2", projSpans[1].SpanID)

	// The narrow subscription sees span 1 only
	narrowSpans := grouped[projAndEndpoint.RoomName()]
	assert.Len(narrowSpans, 1)
	assert.Equal("span-1", narrowSpans[0].SpanID)
}

func TestChannelManagerGroupShortCircuit(t *testing.T) {
	assert := assert.New(t)

	uut := NewChannelManager()
	extractionCalls := 0
	uut.extractFilters = func(span *SpanRecord) map[string]string {
		extractionCalls++
		return FilterAttributes(span)
	}

	spans := []SpanRecord{
		testSpanWithAttributes("span-1", map[string]string{"bud.project_id": "proj-1"}),
		testSpanWithAttributes("span-2", nil),
	}

	// No subscribers at all: spans are never even inspected
	grouped := uut.GroupBySubscription(ChannelObservability, spans)
	assert.Empty(grouped)
	assert.Equal(0, extractionCalls)

	// With a subscriber, each span is inspected exactly once regardless of the
	// number of active subscriptions
	uut.AddClient("session-1", "user-1")
	uut.AddClient("session-2", "user-2")
	assert.True(uut.Subscribe("session-1", NewSubscription(ChannelObservability, nil)))
	assert.True(uut.Subscribe(
		"session-2",
		NewSubscription(ChannelObservability, map[string]string{"project_id": "proj-1"}),
	))
	grouped = uut.GroupBySubscription(ChannelObservability, spans)
	assert.Len(grouped, 2)
	assert.Equal(len(spans), extractionCalls)
}

func TestChannelManagerStats(t *testing.T) {
	assert := assert.New(t)

	uut := NewChannelManager()
	stats := uut.GetStats()
	assert.Equal(0, stats.ClientCount)
	assert.Empty(stats.Channels)

	uut.AddClient("session-1", "user-1")
	assert.True(uut.Subscribe("session-1", NewSubscription(ChannelObservability, nil)))
	assert.True(uut.Subscribe(
		"session-1",
		NewSubscription(ChannelObservability, map[string]string{"project_id": "proj-1"}),
	))

	stats = uut.GetStats()
	assert.Equal(1, stats.ClientCount)
	assert.Equal(2, stats.Channels["observability"].SubscriptionCount)
}
