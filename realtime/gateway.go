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
	"net/http"

	"github.com/alwitt/budrelay/auth"
	"github.com/alwitt/budrelay/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client event names
const (
	clientEventSubscribe   = "subscribe"
	clientEventUnsubscribe = "unsubscribe"
)

// clientEvent an inbound message on a live connection
type clientEvent struct {
	// Type the event name: subscribe or unsubscribe
	Type string `json:"type"`
	// Channel the channel the event operates on
	Channel string `json:"channel"`
	// Filters the filter map of the subscription
	Filters map[string]string `json:"filters"`
}

// AuthenticatedEvent server acknowledgment of a successful connect
type AuthenticatedEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SubscriptionAckEvent server acknowledgment of subscribe / unsubscribe
type SubscriptionAckEvent struct {
	Type    string            `json:"type"`
	Channel string            `json:"channel"`
	Filters map[string]string `json:"filters"`
}

// ErrorEvent server report of a recoverable protocol error
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// DataEvent server emission of routed span records to a room
type DataEvent struct {
	Type    string       `json:"type"`
	Channel string       `json:"channel"`
	Data    []SpanRecord `json:"data"`
}

// NewDataEvent define a DataEvent for a span batch on a channel
func NewDataEvent(channel Channel, spans []SpanRecord) DataEvent {
	return DataEvent{Type: "data", Channel: string(channel), Data: spans}
}

// Gateway the real-time connection endpoint. Authenticates on connect,
// registers clients with the ChannelManager, and services subscribe and
// unsubscribe events for the connection's lifetime.
//
// Connection state machine: connecting -> authenticated -> (subscribed)* ->
// disconnected. Token validation is connect-time only; a client whose token
// expires mid-session is not proactively disconnected. Events from a single
// connection process in delivery order.
type Gateway struct {
	goutils.RestAPIHandler
	manager        *ChannelManager
	hub            *Hub
	tokenValidator auth.TokenValidator
	upgrader       websocket.Upgrader
}

// GetGateway define a new Gateway
func GetGateway(
	manager *ChannelManager,
	hub *Hub,
	tokenValidator auth.TokenValidator,
	httpConfig *common.HTTPConfig,
) (Gateway, error) {
	logTags := log.Fields{
		"module":    "realtime",
		"component": "gateway",
	}
	return Gateway{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		manager:        manager,
		hub:            hub,
		tokenValidator: tokenValidator,
		upgrader:       websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}, nil
}

// connectOutcome result of the connect-time authentication check
type connectOutcome struct {
	accepted bool
	userInfo auth.UserInfo
	reason   string
}

// authenticateConnect run the connect-time token check. No partial state is
// created on refusal; the websocket upgrade has not happened yet.
func (g Gateway) authenticateConnect(r *http.Request) connectOutcome {
	token := auth.ExtractBearerToken(r)
	if len(token) == 0 {
		return connectOutcome{accepted: false, reason: "No bearer token provided"}
	}
	userInfo, err := g.tokenValidator.Validate(r.Context(), token)
	if err != nil {
		return connectOutcome{accepted: false, reason: "Token validation failed"}
	}
	return connectOutcome{accepted: true, userInfo: userInfo}
}

// ServeConnection godoc
// @Summary Establish a real-time subscription connection
// @Description Upgrade to a WebSocket session after bearer token validation.
// The client then exchanges subscribe / unsubscribe events and receives data
// events for matching spans.
// @tags Realtime
// @Param Authorization header string false "Bearer token"
// @Param token query string false "Bearer token fallback for header-less clients"
// @Success 101 {string} string "connection upgraded"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/realtime/ws [get]
func (g Gateway) ServeConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := g.GetLogTagsForContext(r.Context())

	outcome := g.authenticateConnect(r)
	if !outcome.accepted {
		log.WithFields(localLogTags).Infof("Refused connection: %s", outcome.reason)
		respCode := http.StatusUnauthorized
		respBody := g.GetStdRESTErrorMsg(
			r.Context(), http.StatusUnauthorized, outcome.reason, outcome.reason,
		)
		if err := g.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}

	sessionID := uuid.New().String()
	g.hub.Register(sessionID, ws)
	g.manager.AddClient(sessionID, outcome.userInfo.UserID)
	defer func() {
		g.manager.RemoveClient(sessionID)
		g.hub.Unregister(sessionID)
		_ = ws.Close()
	}()

	ctxt := r.Context()
	if err := g.hub.SendToClient(ctxt, sessionID, AuthenticatedEvent{
		Type: "authenticated", UserID: outcome.userInfo.UserID,
	}); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Failed to acknowledge connection %s", sessionID,
		)
		return
	}
	log.WithFields(localLogTags).Infof(
		"Connection %s authenticated for user %s", sessionID, outcome.userInfo.UserID,
	)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			log.WithFields(localLogTags).Debugf("Connection %s closed", sessionID)
			return
		}
		g.processClientEvent(ctxt, sessionID, raw)
	}
}

// ServeConnectionHandler Wrapper around ServeConnection
func (g Gateway) ServeConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.ServeConnection(w, r)
	}
}

// processClientEvent handle one inbound subscribe / unsubscribe message
func (g Gateway) processClientEvent(ctxt context.Context, sessionID string, raw []byte) {
	var event clientEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		g.sendError(ctxt, sessionID, "Malformed request payload")
		return
	}
	switch event.Type {
	case clientEventSubscribe:
		g.processSubscribe(ctxt, sessionID, event)
	case clientEventUnsubscribe:
		g.processUnsubscribe(ctxt, sessionID, event)
	default:
		g.sendError(ctxt, sessionID, "Unknown event type: "+event.Type)
	}
}

// processSubscribe handle a subscribe event
func (g Gateway) processSubscribe(ctxt context.Context, sessionID string, event clientEvent) {
	channel, err := ParseChannel(event.Channel)
	if err != nil {
		g.sendError(ctxt, sessionID, err.Error())
		return
	}
	if err := ValidateFilters(event.Filters); err != nil {
		g.sendError(ctxt, sessionID, err.Error())
		return
	}
	subscription := NewSubscription(channel, event.Filters)
	room := subscription.RoomName()
	g.hub.EnterRoom(sessionID, room)
	if !g.manager.Subscribe(sessionID, subscription) {
		// Stale event racing a disconnect cleanup. Benign; report and move on.
		g.hub.LeaveRoom(sessionID, room)
		g.sendError(ctxt, sessionID, "Client is not registered")
		return
	}
	g.sendAck(ctxt, sessionID, "subscribed", subscription)
}

// processUnsubscribe handle an unsubscribe event
func (g Gateway) processUnsubscribe(ctxt context.Context, sessionID string, event clientEvent) {
	channel, err := ParseChannel(event.Channel)
	if err != nil {
		g.sendError(ctxt, sessionID, err.Error())
		return
	}
	if err := ValidateFilters(event.Filters); err != nil {
		g.sendError(ctxt, sessionID, err.Error())
		return
	}
	subscription := NewSubscription(channel, event.Filters)
	g.hub.LeaveRoom(sessionID, subscription.RoomName())
	if !g.manager.Unsubscribe(sessionID, subscription) {
		g.sendError(ctxt, sessionID, "Client is not registered")
		return
	}
	g.sendAck(ctxt, sessionID, "unsubscribed", subscription)
}

// sendAck emit a subscribe / unsubscribe acknowledgment
func (g Gateway) sendAck(
	ctxt context.Context, sessionID, ackType string, subscription Subscription,
) {
	if err := g.hub.SendToClient(ctxt, sessionID, SubscriptionAckEvent{
		Type:    ackType,
		Channel: string(subscription.Channel()),
		Filters: subscription.Filters(),
	}); err != nil {
		log.WithError(err).WithFields(g.LogTags).Debugf(
			"Failed to acknowledge %s for %s", ackType, sessionID,
		)
	}
}

// sendError emit an error event back to the caller
func (g Gateway) sendError(ctxt context.Context, sessionID, message string) {
	if err := g.hub.SendToClient(ctxt, sessionID, ErrorEvent{
		Type: "error", Error: message,
	}); err != nil {
		log.WithError(err).WithFields(g.LogTags).Debugf(
			"Failed to report error to %s", sessionID,
		)
	}
}
