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
	"net/http"

	"github.com/alwitt/budrelay/realtime"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// RelayMetrics Prometheus instruments for the ingest / fan-out path
type RelayMetrics struct {
	// SpansAccepted total spans accepted from the collector
	SpansAccepted prometheus.Counter
	// SpansEmitted total span copies emitted to rooms
	SpansEmitted prometheus.Counter
	// RoomsEmitted total per-room emissions performed
	RoomsEmitted prometheus.Counter
}

// RegisterRelayMetrics define and register the relay instruments against a
// registry, with a live gauge reading connected clients off the manager
func RegisterRelayMetrics(
	registry *prometheus.Registry, manager *realtime.ChannelManager,
) *RelayMetrics {
	metrics := &RelayMetrics{
		SpansAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "budrelay_spans_accepted_total",
			Help: "Total spans accepted from the OTEL collector",
		}),
		SpansEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "budrelay_spans_emitted_total",
			Help: "Total span copies emitted to rooms",
		}),
		RoomsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "budrelay_rooms_emitted_total",
			Help: "Total per-room emissions performed",
		}),
	}
	registry.MustRegister(metrics.SpansAccepted, metrics.SpansEmitted, metrics.RoomsEmitted)
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "budrelay_connected_clients",
		Help: "Currently connected real-time clients",
	}, func() float64 {
		return float64(manager.GetStats().ClientCount)
	}))
	return metrics
}
