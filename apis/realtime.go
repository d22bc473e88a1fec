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

package apis

import (
	"io"
	"net/http"

	"github.com/alwitt/budrelay/common"
	"github.com/alwitt/budrelay/forwarder"
	"github.com/alwitt/budrelay/realtime"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// APIRestRealtimeHandler REST handler for the telemetry relay
type APIRestRealtimeHandler struct {
	goutils.RestAPIHandler
	manager     *realtime.ChannelManager
	broadcaster realtime.RoomBroadcaster
	forward     forwarder.SpanForwarder
	metrics     *RelayMetrics
	validate    *validator.Validate
}

// GetAPIRestRealtimeHandler define APIRestRealtimeHandler. spanForward and
// metrics are optional; pass nil to disable.
func GetAPIRestRealtimeHandler(
	manager *realtime.ChannelManager,
	broadcaster realtime.RoomBroadcaster,
	spanForward forwarder.SpanForwarder,
	metrics *RelayMetrics,
	httpConfig *common.HTTPConfig,
) (APIRestRealtimeHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "realtime-relay",
	}
	return APIRestRealtimeHandler{
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
		manager:     manager,
		broadcaster: broadcaster,
		forward:     spanForward,
		metrics:     metrics,
		validate:    validator.New(),
	}, nil
}

// =======================================================================
// OTLP ingest

// RealtimeIngestResponse ingest operation result, always reported in-band.
// Malformed telemetry never maps to a 4xx/5xx; the collector's retry logic
// must not fire for routine data-quality issues.
type RealtimeIngestResponse struct {
	goutils.RestAPIBaseResponse
	// Accepted number of spans accepted for routing
	Accepted int `json:"accepted"`
	// Total number of spans present in the payload
	Total int `json:"total"`
	// RoomsEmitted number of rooms data was emitted to
	RoomsEmitted int `json:"rooms_emitted"`
	// Subscribers number of distinct active subscriptions on the channel
	Subscribers int `json:"subscribers"`
	// ParseError set when the payload failed to decode
	ParseError string `json:"error,omitempty"`
}

// IngestOTLP godoc
// @Summary Ingest one OTLP trace export batch
// @Description Accept an OTLP/HTTP JSON trace export from the OTEL collector,
// route the spans against active subscriptions, and emit them to matching
// rooms. Skips all parsing when the observability channel has no subscribers.
// @tags Realtime
// @Accept json
// @Produce json
// @Param Budrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param export body realtime.OTLPExport true "OTLP/HTTP JSON trace export"
// @Success 202 {object} RealtimeIngestResponse "result"
// @Header 202 {string} Budrelay-Request-ID "Request ID to match against logs"
// @Router /v1/realtime/ingest/otlp [post]
func (h APIRestRealtimeHandler) IngestOTLP(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respBody RealtimeIngestResponse
	defer func() {
		if err := h.WriteRESTResponse(w, http.StatusAccepted, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()
	respBody = RealtimeIngestResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
	}

	// No one listening, skip all work. This is the primary backpressure
	// mechanism for unobserved channels.
	if !h.manager.HasSubscribers(realtime.ChannelObservability) {
		return
	}
	respBody.Subscribers = h.manager.GetSubscriberCount(realtime.ChannelObservability)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to read request body")
		respBody.ParseError = err.Error()
		return
	}
	export, err := realtime.ParseOTLPExport(payload)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Discarded malformed OTLP payload")
		respBody.ParseError = err.Error()
		return
	}

	spans := export.Flatten()
	respBody.Total = len(spans)
	respBody.Accepted = len(spans)
	if len(spans) == 0 {
		return
	}
	if h.metrics != nil {
		h.metrics.SpansAccepted.Add(float64(len(spans)))
	}

	grouped := h.manager.GroupBySubscription(realtime.ChannelObservability, spans)
	for room, roomSpans := range grouped {
		channel, _, err := realtime.SplitRoomName(room)
		if err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Skipped emission to undecodable room %s", room,
			)
			continue
		}
		if err := h.broadcaster.BroadcastToRoom(
			r.Context(), room, realtime.NewDataEvent(channel, roomSpans),
		); err != nil {
			// Per-room isolation; the remaining rooms still get their data
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Failed to emit %d spans to room %s", len(roomSpans), room,
			)
			continue
		}
		respBody.RoomsEmitted++
		if h.metrics != nil {
			h.metrics.RoomsEmitted.Inc()
			h.metrics.SpansEmitted.Add(float64(len(roomSpans)))
		}
	}

	if h.forward != nil {
		if err := h.forward.ForwardBatch(r.Context(), spans); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Span batch forwarding failed")
		}
	}
}

// IngestOTLPHandler Wrapper around IngestOTLP
func (h APIRestRealtimeHandler) IngestOTLPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.IngestOTLP(w, r)
	}
}

// =======================================================================
// Stats

// RealtimeStatsResponse diagnostic snapshot of the subscription registry
type RealtimeStatsResponse struct {
	goutils.RestAPIBaseResponse
	// ClientCount number of connected clients
	ClientCount int `json:"client_count"`
	// Channels per-channel stats keyed by channel name
	Channels map[string]realtime.ChannelStats `json:"channels"`
}

// GetStats godoc
// @Summary Fetch relay statistics
// @Description Report connected client count and per-channel distinct
// subscription counts
// @tags Realtime
// @Produce json
// @Param Budrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} RealtimeStatsResponse "stats"
// @Header 200 {string} Budrelay-Request-ID "Request ID to match against logs"
// @Router /v1/realtime/stats [get]
func (h APIRestRealtimeHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	stats := h.manager.GetStats()
	respBody := RealtimeStatsResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		ClientCount:         stats.ClientCount,
		Channels:            stats.Channels,
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestRealtimeHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For relay REST API liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Realtime
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/realtime/alive [get]
func (h APIRestRealtimeHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRealtimeHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For relay REST API readiness check
// @Description Will return success if relay REST API module is ready for use
// @tags Realtime
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/realtime/ready [get]
func (h APIRestRealtimeHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	if h.forward == nil || h.forward.Healthy() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		msg := "not ready"
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestRealtimeHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
