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

func TestParseChannel(t *testing.T) {
	assert := assert.New(t)

	channel, err := ParseChannel("observability")
	assert.Nil(err)
	assert.Equal(ChannelObservability, channel)

	_, err = ParseChannel("bogus")
	assert.NotNil(err)
	assert.Equal("Invalid channel: bogus", err.Error())

	_, err = ParseChannel("")
	assert.NotNil(err)
}

func TestValidateFilters(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(ValidateFilters(nil))
	assert.Nil(ValidateFilters(map[string]string{}))
	assert.Nil(ValidateFilters(map[string]string{"project_id": "proj-1"}))

	// Reserved characters break the room name encoding
	assert.NotNil(ValidateFilters(map[string]string{"project:id": "proj-1"}))
	assert.NotNil(ValidateFilters(map[string]string{"project_id": "a,b"}))
	assert.NotNil(ValidateFilters(map[string]string{"project_id": "a=b"}))
	assert.NotNil(ValidateFilters(map[string]string{"": "proj-1"}))
}

func TestSubscriptionEquality(t *testing.T) {
	assert := assert.New(t)

	// Filter ordering does not affect identity
	sub1 := NewSubscription(ChannelObservability, map[string]string{
		"project_id": "proj-1", "endpoint_id": "ep-1",
	})
	sub2 := NewSubscription(ChannelObservability, map[string]string{
		"endpoint_id": "ep-1", "project_id": "proj-1",
	})
	assert.True(sub1.Equal(sub2))
	assert.Equal(sub1.RoomName(), sub2.RoomName())

	sub3 := NewSubscription(ChannelObservability, map[string]string{
		"project_id": "proj-2", "endpoint_id": "ep-1",
	})
	assert.False(sub1.Equal(sub3))
	assert.NotEqual(sub1.RoomName(), sub3.RoomName())

	// Subset filters are a different subscription
	sub4 := NewSubscription(ChannelObservability, map[string]string{
		"project_id": "proj-1",
	})
	assert.False(sub1.Equal(sub4))
}

func TestSubscriptionDoesNotAliasCallerMap(t *testing.T) {
	assert := assert.New(t)

	filters := map[string]string{"project_id": "proj-1"}
	sub := NewSubscription(ChannelObservability, filters)
	filters["project_id"] = "proj-2"
	assert.Equal("proj-1", sub.Filters()["project_id"])

	fetched := sub.Filters()
	fetched["project_id"] = "proj-3"
	assert.Equal("proj-1", sub.Filters()["project_id"])
}

func TestSubscriptionMatching(t *testing.T) {
	assert := assert.New(t)

	// Empty filters match everything
	wildcard := NewSubscription(ChannelObservability, nil)
	assert.True(wildcard.Matches(map[string]string{}))
	assert.True(wildcard.Matches(map[string]string{"project_id": "proj-1"}))

	narrow := NewSubscription(ChannelObservability, map[string]string{
		"project_id": "proj-1", "endpoint_id": "ep-1",
	})
	// Exact match
	assert.True(narrow.Matches(map[string]string{
		"project_id": "proj-1", "endpoint_id": "ep-1",
	}))
	// Extra event attributes are ignored
	assert.True(narrow.Matches(map[string]string{
		"project_id": "proj-1", "endpoint_id": "ep-1", "prompt_id": "pr-1",
	}))
	// Missing key
	assert.False(narrow.Matches(map[string]string{"project_id": "proj-1"}))
	// Value mismatch
	assert.False(narrow.Matches(map[string]string{
		"project_id": "proj-1", "endpoint_id": "ep-2",
	}))
	// Nothing at all
	assert.False(narrow.Matches(map[string]string{}))
}

func TestRoomNameEncoding(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("observability", MakeRoomName(ChannelObservability, nil))
	assert.Equal(
		"observability:endpoint_id=ep-1,project_id=proj-1",
		MakeRoomName(ChannelObservability, map[string]string{
			"project_id": "proj-1", "endpoint_id": "ep-1",
		}),
	)

	// Round trip
	original := map[string]string{"project_id": "proj-1", "prompt_id": "pr-9"}
	channel, recovered, err := SplitRoomName(MakeRoomName(ChannelObservability, original))
	assert.Nil(err)
	assert.Equal(ChannelObservability, channel)
	assert.Equal(original, recovered)

	// Filter-free round trip
	channel, recovered, err = SplitRoomName("observability")
	assert.Nil(err)
	assert.Equal(ChannelObservability, channel)
	assert.Empty(recovered)

	// Malformed names
	_, _, err = SplitRoomName("bogus:project_id=proj-1")
	assert.NotNil(err)
	_, _, err = SplitRoomName("observability:")
	assert.NotNil(err)
	_, _, err = SplitRoomName("observability:project_id")
	assert.NotNil(err)
}
