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

package common

import "github.com/spf13/viper"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Authentication Related Config

// AuthConfig defines parameters for validating bearer tokens at connect time
type AuthConfig struct {
	// AllowedIssuers is the set of token issuers accepted on connect
	AllowedIssuers []string `mapstructure:"allowed_issuers" json:"allowed_issuers" validate:"required,min=1,dive,uri"`
	// RequestTimeout is the max duration of JWKS / discovery fetches in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// JWKSCacheTTL is the lifetime of a cached per-issuer JWKS client in seconds
	JWKSCacheTTL int `mapstructure:"jwks_cache_ttl_sec" json:"jwks_cache_ttl_sec" validate:"gte=1"`
	// KeyCacheTTL is the lifetime of a cached resolved public key in seconds.
	// Bounds staleness after key rotation without an invalidation signal from
	// the identity provider.
	KeyCacheTTL int `mapstructure:"key_cache_ttl_sec" json:"key_cache_ttl_sec" validate:"gte=1"`
}

// ===============================================================================
// Relay Related Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// RelayServerConfig defines configuration for the relay API server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the relay API server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Span Forwarder Related Config

// ForwarderConfig defines parameters for re-publishing accepted span batches
// to NATS JetStream for sibling query services. Forwarding is disabled when
// Subject is empty.
type ForwarderConfig struct {
	// Subject is the JetStream subject accepted span batches are published on
	Subject string `mapstructure:"subject" json:"subject"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required_with=Subject,dive"`
}

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the relay server
type SystemConfig struct {
	// Auth are the token validation config parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Relay are the relay API server configs
	Relay RelayServerConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
	// Forwarder are the span forwarder configs
	Forwarder ForwarderConfig `mapstructure:"forwarder" json:"forwarder" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default auth settings
	viper.SetDefault("auth.request_timeout_sec", 10)
	viper.SetDefault("auth.jwks_cache_ttl_sec", 3600)
	viper.SetDefault("auth.key_cache_ttl_sec", 300)

	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 3000)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Budrelay-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default forwarder settings
	viper.SetDefault("forwarder.subject", "")
	viper.SetDefault("forwarder.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("forwarder.nats.connect_timeout_sec", 30)
	viper.SetDefault("forwarder.nats.reconnect.max_attempts", -1)
	viper.SetDefault("forwarder.nats.reconnect.wait_interval_sec", 15)
}
