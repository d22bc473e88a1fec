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
	"sync"
	"time"

	"github.com/alwitt/budrelay/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// RoomBroadcaster the transport capability the ingest path emits through
type RoomBroadcaster interface {
	// BroadcastToRoom send a message to every connection in a room
	BroadcastToRoom(ctxt context.Context, room string, message interface{}) error
}

// hubConnWriteTimeout max duration of one websocket frame write
const hubConnWriteTimeout = time.Second * 10

// hubConnSendBuffer per-connection outbound buffer. A connection whose buffer
// is full has messages dropped for it alone; one slow client never blocks a
// batch emission.
const hubConnSendBuffer = 64

// hubConn one registered websocket connection with its writer loop
type hubConn struct {
	sessionID string
	ws        *websocket.Conn
	// lock guards send against close. Senders holding a stale reference from a
	// room snapshot must observe closed instead of hitting a closed channel.
	lock   sync.Mutex
	send   chan []byte
	closed bool
}

// close stop the writer loop. Safe to call multiple times.
func (c *hubConn) close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// trySend queue one message without blocking. Reports whether the message was
// queued, and whether the connection was already closed.
func (c *hubConn) trySend(message []byte) (queued bool, closed bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return false, true
	}
	select {
	case c.send <- message:
		return true, false
	default:
		return false, false
	}
}

// Hub in-memory fan-out dispatcher mapping rooms to live websocket
// connections. Emission is best effort with per-connection isolation.
type Hub struct {
	common.Component
	lock  sync.RWMutex
	conns map[string]*hubConn
	rooms map[string]map[string]*hubConn
	wg    *sync.WaitGroup
}

// NewHub define a new Hub
func NewHub(wg *sync.WaitGroup) *Hub {
	logTags := log.Fields{
		"module": "realtime", "component": "hub",
	}
	return &Hub{
		Component: common.Component{LogTags: logTags},
		conns:     make(map[string]*hubConn),
		rooms:     make(map[string]map[string]*hubConn),
		wg:        wg,
	}
}

// Register start tracking a websocket connection under a session ID and spawn
// its writer loop
func (h *Hub) Register(sessionID string, ws *websocket.Conn) {
	conn := &hubConn{
		sessionID: sessionID,
		ws:        ws,
		send:      make(chan []byte, hubConnSendBuffer),
	}
	h.lock.Lock()
	h.conns[sessionID] = conn
	h.lock.Unlock()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writeLoop(conn)
	}()
	log.WithFields(h.LogTags).Debugf("Registered connection %s", sessionID)
}

// Unregister stop tracking a connection and remove it from all rooms
func (h *Hub) Unregister(sessionID string) {
	h.lock.Lock()
	conn, ok := h.conns[sessionID]
	if ok {
		delete(h.conns, sessionID)
		for room, members := range h.rooms {
			delete(members, sessionID)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.lock.Unlock()
	if ok {
		conn.close()
		log.WithFields(h.LogTags).Debugf("Unregistered connection %s", sessionID)
	}
}

// EnterRoom add a connection to a room
func (h *Hub) EnterRoom(sessionID, room string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	conn, ok := h.conns[sessionID]
	if !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*hubConn)
	}
	h.rooms[room][sessionID] = conn
}

// LeaveRoom remove a connection from a room
func (h *Hub) LeaveRoom(sessionID, room string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// RoomSize number of connections currently in a room
func (h *Hub) RoomSize(room string) int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.rooms[room])
}

// BroadcastToRoom implements RoomBroadcaster. An empty room is a no-op
// success; a full per-connection buffer drops the message for that connection
// only. A connection leaving mid-broadcast is skipped.
func (h *Hub) BroadcastToRoom(ctxt context.Context, room string, message interface{}) error {
	serialized, err := json.Marshal(message)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Unable to serialize message for room %s", room,
		)
		return err
	}
	h.lock.RLock()
	targets := make([]*hubConn, 0, len(h.rooms[room]))
	for _, conn := range h.rooms[room] {
		targets = append(targets, conn)
	}
	h.lock.RUnlock()
	for _, conn := range targets {
		if err := ctxt.Err(); err != nil {
			return err
		}
		queued, closed := conn.trySend(serialized)
		if closed {
			continue
		}
		if !queued {
			log.WithFields(h.LogTags).Warnf(
				"Dropped message for connection %s in room %s", conn.sessionID, room,
			)
		}
	}
	return nil
}

// SendToClient send a message to one connection
func (h *Hub) SendToClient(ctxt context.Context, sessionID string, message interface{}) error {
	serialized, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if err := ctxt.Err(); err != nil {
		return err
	}
	h.lock.RLock()
	conn, ok := h.conns[sessionID]
	h.lock.RUnlock()
	if !ok {
		return fmt.Errorf("connection '%s' is not registered", sessionID)
	}
	queued, closed := conn.trySend(serialized)
	if closed {
		return fmt.Errorf("connection '%s' is not registered", sessionID)
	}
	if !queued {
		return fmt.Errorf("connection '%s' send buffer is full", sessionID)
	}
	return nil
}

// writeLoop single writer for one connection. All outbound frames funnel
// through here; gorilla/websocket does not allow concurrent writers.
func (h *Hub) writeLoop(conn *hubConn) {
	for message := range conn.send {
		if err := conn.ws.SetWriteDeadline(time.Now().Add(hubConnWriteTimeout)); err != nil {
			log.WithError(err).WithFields(h.LogTags).Debugf(
				"Failed to arm write deadline for %s", conn.sessionID,
			)
		}
		if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
			log.WithError(err).WithFields(h.LogTags).Debugf(
				"Write to connection %s failed", conn.sessionID,
			)
			return
		}
	}
}
