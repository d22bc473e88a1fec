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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/budrelay/apis"
	"github.com/alwitt/budrelay/auth"
	"github.com/alwitt/budrelay/common"
	"github.com/alwitt/budrelay/core"
	"github.com/alwitt/budrelay/forwarder"
	"github.com/alwitt/budrelay/realtime"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// accessLogger adapter feeding gorilla access logs into apex log
type accessLogger struct {
	logTags log.Fields
}

// Write logging support
func (l accessLogger) Write(p []byte) (n int, err error) {
	log.WithFields(l.logTags).Infof("%s", p)
	return len(p), nil
}

// RunRelayServer run the telemetry relay server until the runtime context ends.
// natsClient is nil when span forwarding is not configured.
func RunRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	tokenValidator auth.TokenValidator,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	httpConfig := &config.Relay.HTTPSetting

	manager := realtime.NewChannelManager()
	hub := realtime.NewHub(wg)

	gateway, err := realtime.GetGateway(manager, hub, tokenValidator, httpConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection gateway")
		return err
	}

	var spanForward forwarder.SpanForwarder
	if natsClient != nil && len(config.Forwarder.Subject) > 0 {
		spanForward, err = forwarder.GetJetStreamSpanForwarder(
			natsClient, config.Forwarder.Subject, instance,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define span forwarder")
			return err
		}
	}

	metricsRegistry := prometheus.NewRegistry()
	relayMetrics := apis.RegisterRelayMetrics(metricsRegistry, manager)

	httpHandler, err := apis.GetAPIRestRealtimeHandler(
		manager, hub, spanForward, relayMetrics, httpConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Relay.Endpoints.PathPrefix, nil)

	// OTLP ingest
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/ingest/otlp", map[string]http.HandlerFunc{
			"post": httpHandler.IngestOTLPHandler(),
		},
	)

	// Stats
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/stats", map[string]http.HandlerFunc{
			"get": httpHandler.GetStatsHandler(),
		},
	)

	// Real-time connection gateway
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/ws", map[string]http.HandlerFunc{
			"get": gateway.ServeConnectionHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	mainRouter.Path("/metrics").Methods("get").Handler(
		promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}),
	)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLogger{logTags: logTags}, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", httpConfig.Server.ListenOn, httpConfig.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(httpConfig.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(httpConfig.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(httpConfig.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
