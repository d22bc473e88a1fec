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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// testWebsocketPair spin up one server side / client side websocket pair
func testWebsocketPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	assert := assert.New(t)

	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		assert.Nil(err)
		serverSide <- ws
	}))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	serverWS := <-serverSide

	return serverWS, clientWS, func() {
		_ = clientWS.Close()
		_ = serverWS.Close()
		server.Close()
	}
}

func TestHubRoomBroadcast(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	wg := &sync.WaitGroup{}
	defer wg.Wait()
	uut := NewHub(wg)

	serverWS1, clientWS1, cleanup1 := testWebsocketPair(t)
	defer cleanup1()
	serverWS2, clientWS2, cleanup2 := testWebsocketPair(t)
	defer cleanup2()

	uut.Register("session-1", serverWS1)
	uut.Register("session-2", serverWS2)
	defer uut.Unregister("session-1")
	defer uut.Unregister("session-2")

	room := "observability:project_id=proj-1"
	uut.EnterRoom("session-1", room)
	uut.EnterRoom("session-2", room)
	assert.Equal(2, uut.RoomSize(room))

	// Both members receive the broadcast
	assert.Nil(uut.BroadcastToRoom(utCtxt, room, map[string]string{"type": "data"}))
	for _, clientWS := range []*websocket.Conn{clientWS1, clientWS2} {
		assert.Nil(clientWS.SetReadDeadline(time.Now().Add(time.Second)))
		_, raw, err := clientWS.ReadMessage()
		assert.Nil(err)
		var received map[string]string
		assert.Nil(json.Unmarshal(raw, &received))
		assert.Equal("data", received["type"])
	}

	// After leaving, session-2 no longer receives
	uut.LeaveRoom("session-2", room)
	assert.Equal(1, uut.RoomSize(room))
	assert.Nil(uut.BroadcastToRoom(utCtxt, room, map[string]string{"type": "data2"}))
	assert.Nil(clientWS1.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := clientWS1.ReadMessage()
	assert.Nil(err)
	assert.Nil(clientWS2.SetReadDeadline(time.Now().Add(time.Millisecond * 100)))
	_, _, err = clientWS2.ReadMessage()
	assert.NotNil(err)

	// Broadcasting into an empty room is a no-op success
	assert.Nil(uut.BroadcastToRoom(utCtxt, "observability:project_id=empty", "ignored"))
}

func TestHubSendToClient(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	wg := &sync.WaitGroup{}
	defer wg.Wait()
	uut := NewHub(wg)

	serverWS, clientWS, cleanup := testWebsocketPair(t)
	defer cleanup()

	uut.Register("session-1", serverWS)
	defer uut.Unregister("session-1")

	assert.Nil(uut.SendToClient(utCtxt, "session-1", ErrorEvent{
		Type: "error", Error: "testing",
	}))
	assert.Nil(clientWS.SetReadDeadline(time.Now().Add(time.Second)))
	_, raw, err := clientWS.ReadMessage()
	assert.Nil(err)
	var received ErrorEvent
	assert.Nil(json.Unmarshal(raw, &received))
	assert.Equal("testing", received.Error)

	// Unknown connections are an error
	assert.NotNil(uut.SendToClient(utCtxt, "session-unknown", "ignored"))
}

func TestHubConnSendAfterClose(t *testing.T) {
	assert := assert.New(t)

	// A sender holding a stale connection reference must observe closed
	// instead of panicking on a closed channel
	conn := &hubConn{sessionID: "session-1", send: make(chan []byte, 1)}
	queued, closed := conn.trySend([]byte("before"))
	assert.True(queued)
	assert.False(closed)

	conn.close()
	queued, closed = conn.trySend([]byte("after"))
	assert.False(queued)
	assert.True(closed)

	// Repeated close is safe
	conn.close()
}

func TestHubBroadcastDuringDisconnect(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	wg := &sync.WaitGroup{}
	defer wg.Wait()
	uut := NewHub(wg)

	room := "observability:project_id=proj-1"

	// Broadcasts racing member disconnects must complete without fault
	for cycle := 0; cycle < 25; cycle++ {
		serverWS, _, cleanup := testWebsocketPair(t)
		sessionID := fmt.Sprintf("session-%d", cycle)
		uut.Register(sessionID, serverWS)
		uut.EnterRoom(sessionID, room)

		stop := make(chan struct{})
		broadcastDone := make(chan error, 1)
		go func() {
			for {
				select {
				case <-stop:
					broadcastDone <- nil
					return
				default:
				}
				if err := uut.BroadcastToRoom(
					utCtxt, room, map[string]string{"type": "data"},
				); err != nil {
					broadcastDone <- err
					return
				}
			}
		}()

		uut.Unregister(sessionID)
		close(stop)
		assert.Nil(<-broadcastDone)
		cleanup()
	}
	assert.Equal(0, uut.RoomSize(room))
}

func TestHubUnregisterClearsRooms(t *testing.T) {
	assert := assert.New(t)

	wg := &sync.WaitGroup{}
	defer wg.Wait()
	uut := NewHub(wg)

	serverWS, _, cleanup := testWebsocketPair(t)
	defer cleanup()

	uut.Register("session-1", serverWS)
	uut.EnterRoom("session-1", "observability")
	uut.EnterRoom("session-1", "observability:project_id=proj-1")
	assert.Equal(1, uut.RoomSize("observability"))

	uut.Unregister("session-1")
	assert.Equal(0, uut.RoomSize("observability"))
	assert.Equal(0, uut.RoomSize("observability:project_id=proj-1"))

	// Entering a room after unregistration is ignored
	uut.EnterRoom("session-1", "observability")
	assert.Equal(0, uut.RoomSize("observability"))

	// Double unregistration is safe
	uut.Unregister("session-1")
}
