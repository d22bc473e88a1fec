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
	"sync"

	"github.com/alwitt/budrelay/common"
	"github.com/apex/log"
)

// ChannelStats per-channel diagnostic numbers
type ChannelStats struct {
	// SubscriptionCount number of distinct active subscriptions on the channel
	SubscriptionCount int `json:"subscription_count"`
}

// ChannelManagerStats diagnostic snapshot of the registry
type ChannelManagerStats struct {
	// ClientCount number of connected clients
	ClientCount int `json:"client_count"`
	// Channels per-channel stats keyed by channel name
	Channels map[string]ChannelStats `json:"channels"`
}

// clientRecord one live authenticated connection and the subscriptions it holds
type clientRecord struct {
	sessionID     string
	userID        string
	subscriptions map[string]Subscription
}

// ChannelManager the registry of connected clients and their subscriptions,
// and the routing algorithm turning span batches into per-room emissions.
//
// The registry keeps three interlinked structures: the per-client subscription
// set, a refcount of distinct clients per subscription, and the per-channel set
// of active subscriptions. The refcount lets HasSubscribers and
// GroupBySubscription work off distinct subscriptions instead of scanning all
// clients, which matters when many clients share the same filters. All three
// structures mutate together under one mutex.
type ChannelManager struct {
	common.Component
	lock        sync.Mutex
	clients     map[string]*clientRecord
	channelSubs map[Channel]map[string]Subscription
	refCounts   map[string]int
	// extractFilters pulls routing attributes from a span. Replaceable for
	// instrumentation in tests.
	extractFilters func(span *SpanRecord) map[string]string
}

// NewChannelManager define a new ChannelManager
func NewChannelManager() *ChannelManager {
	logTags := log.Fields{
		"module": "realtime", "component": "channel-manager",
	}
	return &ChannelManager{
		Component:      common.Component{LogTags: logTags},
		clients:        make(map[string]*clientRecord),
		channelSubs:    make(map[Channel]map[string]Subscription),
		refCounts:      make(map[string]int),
		extractFilters: FilterAttributes,
	}
}

// AddClient register a newly authenticated client with an empty subscription
// set. Callers must call this exactly once per connection, after the client
// has authenticated.
func (m *ChannelManager) AddClient(sessionID, userID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.clients[sessionID] = &clientRecord{
		sessionID:     sessionID,
		userID:        userID,
		subscriptions: make(map[string]Subscription),
	}
	log.WithFields(m.LogTags).Debugf("Registered client %s for user %s", sessionID, userID)
}

// RemoveClient drop a client and unwind its subscriptions' refcount
// contributions. Unknown session IDs are a no-op; disconnect can race with
// other cleanup paths.
func (m *ChannelManager) RemoveClient(sessionID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	client, ok := m.clients[sessionID]
	if !ok {
		return
	}
	for key, subscription := range client.subscriptions {
		m.releaseSubscription(key, subscription)
	}
	delete(m.clients, sessionID)
	log.WithFields(m.LogTags).Debugf("Removed client %s", sessionID)
}

// Subscribe register a subscription for a client. Returns false when no client
// is registered under sessionID. Re-subscribing to an identical subscription
// is an idempotent success; the refcount moves at most once per client.
func (m *ChannelManager) Subscribe(sessionID string, subscription Subscription) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	client, ok := m.clients[sessionID]
	if !ok {
		return false
	}
	key := subscription.RoomName()
	if _, alreadyHeld := client.subscriptions[key]; alreadyHeld {
		return true
	}
	client.subscriptions[key] = subscription
	m.refCounts[key]++
	if m.refCounts[key] == 1 {
		channel := subscription.Channel()
		if m.channelSubs[channel] == nil {
			m.channelSubs[channel] = make(map[string]Subscription)
		}
		m.channelSubs[channel][key] = subscription
	}
	log.WithFields(m.LogTags).Debugf("Client %s subscribed to %s", sessionID, key)
	return true
}

// Unsubscribe drop a subscription for a client. Returns false only when the
// client is unknown; removing a subscription the client never held is a no-op
// success.
func (m *ChannelManager) Unsubscribe(sessionID string, subscription Subscription) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	client, ok := m.clients[sessionID]
	if !ok {
		return false
	}
	key := subscription.RoomName()
	if _, held := client.subscriptions[key]; !held {
		return true
	}
	delete(client.subscriptions, key)
	m.releaseSubscription(key, subscription)
	log.WithFields(m.LogTags).Debugf("Client %s unsubscribed from %s", sessionID, key)
	return true
}

// releaseSubscription decrement one refcount, clearing the channel-level entry
// on the 1 -> 0 transition. Caller must hold the lock.
func (m *ChannelManager) releaseSubscription(key string, subscription Subscription) {
	m.refCounts[key]--
	if m.refCounts[key] > 0 {
		return
	}
	delete(m.refCounts, key)
	channel := subscription.Channel()
	if active, ok := m.channelSubs[channel]; ok {
		delete(active, key)
		if len(active) == 0 {
			delete(m.channelSubs, channel)
		}
	}
}

// HasSubscribers check whether any subscription is active on a channel
func (m *ChannelManager) HasSubscribers(channel Channel) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.channelSubs[channel]) > 0
}

// GetSubscriberCount number of distinct active subscriptions on a channel.
// Multiple clients holding an identical subscription count once.
func (m *ChannelManager) GetSubscriberCount(channel Channel) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.channelSubs[channel])
}

// GroupBySubscription route a span batch against the active subscriptions of
// a channel, returning span lists keyed by room name.
//
// A span lands in every room whose subscription matches its extracted filter
// attributes, so one span can appear under multiple rooms. When the channel
// has no active subscriptions the call returns an empty map without touching
// span contents; this short-circuit is the relay's backpressure mechanism for
// unobserved channels. Cost is O(spans x active subscriptions), which scales
// with distinct filter combinations rather than raw client count.
func (m *ChannelManager) GroupBySubscription(
	channel Channel, spans []SpanRecord,
) map[string][]SpanRecord {
	m.lock.Lock()
	defer m.lock.Unlock()
	grouped := map[string][]SpanRecord{}
	active := m.channelSubs[channel]
	if len(active) == 0 {
		return grouped
	}
	for idx := range spans {
		eventFilters := m.extractFilters(&spans[idx])
		for key, subscription := range active {
			if subscription.Matches(eventFilters) {
				grouped[key] = append(grouped[key], spans[idx])
			}
		}
	}
	return grouped
}

// GetStats diagnostic snapshot of the registry
func (m *ChannelManager) GetStats() ChannelManagerStats {
	m.lock.Lock()
	defer m.lock.Unlock()
	stats := ChannelManagerStats{
		ClientCount: len(m.clients),
		Channels:    make(map[string]ChannelStats, len(m.channelSubs)),
	}
	for channel, active := range m.channelSubs {
		stats.Channels[string(channel)] = ChannelStats{SubscriptionCount: len(active)}
	}
	return stats
}
