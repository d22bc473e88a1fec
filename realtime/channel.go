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
	"fmt"
	"sort"
	"strings"
)

// Channel identifies one logical stream of real-time events
type Channel string

// ChannelObservability carries distributed-trace telemetry
const ChannelObservability Channel = "observability"

// knownChannels the set of channels clients may subscribe against. The matching
// algorithm itself is channel agnostic; only subscribe-time validation uses this.
var knownChannels = map[Channel]bool{
	ChannelObservability: true,
}

// ParseChannel convert a client provided channel string into a Channel
func ParseChannel(name string) (Channel, error) {
	asChannel := Channel(name)
	if !knownChannels[asChannel] {
		return "", fmt.Errorf("Invalid channel: %s", name)
	}
	return asChannel, nil
}

// roomNameReservedChars characters with structural meaning inside a room name.
// Filter keys and values containing any of these are rejected at the edges so
// the room name encoding round-trips without escaping.
const roomNameReservedChars = ":,="

// ValidateFilters verify a filter map is usable within a subscription
func ValidateFilters(filters map[string]string) error {
	for key, value := range filters {
		if len(key) == 0 {
			return fmt.Errorf("filter key must not be empty")
		}
		if strings.ContainsAny(key, roomNameReservedChars) {
			return fmt.Errorf("filter key '%s' contains reserved characters", key)
		}
		if strings.ContainsAny(value, roomNameReservedChars) {
			return fmt.Errorf("filter value '%s' contains reserved characters", value)
		}
	}
	return nil
}

// Subscription a client's registered interest in a channel, optionally narrowed
// by a set of attribute filters. Value semantics; equality and the canonical
// room name are independent of filter map ordering.
type Subscription struct {
	channel Channel
	filters map[string]string
}

// NewSubscription define a new Subscription. The filter map is copied, so the
// subscription does not alias caller state.
func NewSubscription(channel Channel, filters map[string]string) Subscription {
	copied := make(map[string]string, len(filters))
	for key, value := range filters {
		copied[key] = value
	}
	return Subscription{channel: channel, filters: copied}
}

// Channel fetch the channel this subscription operates against
func (s Subscription) Channel() Channel {
	return s.channel
}

// Filters fetch a copy of the subscription's filter map
func (s Subscription) Filters() map[string]string {
	copied := make(map[string]string, len(s.filters))
	for key, value := range s.filters {
		copied[key] = value
	}
	return copied
}

// RoomName derive the canonical room name for this subscription.
//
// The name is "{channel}" when no filters are set, otherwise
// "{channel}:{k1}={v1},{k2}={v2},..." with keys sorted lexicographically. This
// string doubles as the subscription's identity within the registry, and must
// stay byte-identical with the grouping keys produced during span routing.
func (s Subscription) RoomName() string {
	return MakeRoomName(s.channel, s.filters)
}

// Equal compare two subscriptions by content
func (s Subscription) Equal(other Subscription) bool {
	if s.channel != other.channel || len(s.filters) != len(other.filters) {
		return false
	}
	for key, value := range s.filters {
		if otherValue, ok := other.filters[key]; !ok || otherValue != value {
			return false
		}
	}
	return true
}

// Matches check whether an event carrying the given filter attributes should be
// delivered for this subscription.
//
// An empty filter set matches unconditionally. Otherwise every subscription
// filter key must be present in eventFilters with an exactly equal value;
// additional event attributes are ignored.
func (s Subscription) Matches(eventFilters map[string]string) bool {
	for key, wanted := range s.filters {
		if seen, ok := eventFilters[key]; !ok || seen != wanted {
			return false
		}
	}
	return true
}

// MakeRoomName derive the room name for a (channel, filters) pair
func MakeRoomName(channel Channel, filters map[string]string) string {
	if len(filters) == 0 {
		return string(channel)
	}
	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, filters[key]))
	}
	return fmt.Sprintf("%s:%s", channel, strings.Join(parts, ","))
}

// SplitRoomName recover the (channel, filters) pair encoded in a room name
func SplitRoomName(roomName string) (Channel, map[string]string, error) {
	channelPart, filterPart, hasFilters := strings.Cut(roomName, ":")
	channel, err := ParseChannel(channelPart)
	if err != nil {
		return "", nil, err
	}
	filters := map[string]string{}
	if !hasFilters {
		return channel, filters, nil
	}
	if len(filterPart) == 0 {
		return "", nil, fmt.Errorf("room name '%s' has an empty filter section", roomName)
	}
	for _, pair := range strings.Split(filterPart, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found || len(key) == 0 {
			return "", nil, fmt.Errorf("room name '%s' has malformed filter pair '%s'", roomName, pair)
		}
		filters[key] = value
	}
	return channel, filters, nil
}
