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

// SpanEvent one timestamped event attached to a span
type SpanEvent struct {
	// Timestamp event time as ISO-8601 string
	Timestamp string `json:"timestamp"`
	// Name the event name
	Name string `json:"name"`
	// Attributes event attributes flattened to strings
	Attributes map[string]string `json:"attributes"`
}

// SpanLink a link from one span to another trace/span pair
type SpanLink struct {
	// TraceID linked trace ID in hex
	TraceID string `json:"trace_id"`
	// SpanID linked span ID in hex
	SpanID string `json:"span_id"`
	// TraceState linked W3C trace state
	TraceState string `json:"trace_state"`
	// Attributes link attributes flattened to strings
	Attributes map[string]string `json:"attributes"`
}

// SpanRecord the flattened representation of one OTLP span.
//
// Field names match the sibling metrics-query service exactly, so clients see
// identical structures whether data arrives over the real-time path or from
// REST history queries. Do not rename fields without coordinating both sides.
type SpanRecord struct {
	// Timestamp span start time as ISO-8601 string
	Timestamp string `json:"timestamp"`
	// TraceID trace ID in hex
	TraceID string `json:"trace_id"`
	// SpanID span ID in hex
	SpanID string `json:"span_id"`
	// ParentSpanID parent span ID in hex, empty for root spans
	ParentSpanID string `json:"parent_span_id"`
	// TraceState W3C trace state header value
	TraceState string `json:"trace_state"`
	// SpanName the operation name
	SpanName string `json:"span_name"`
	// SpanKind one of Server|Internal|Client|Producer|Consumer|Unspecified
	SpanKind string `json:"span_kind"`
	// ServiceName service.name pulled from the resource attributes
	ServiceName string `json:"service_name"`
	// ResourceAttributes resource attributes flattened to strings
	ResourceAttributes map[string]string `json:"resource_attributes"`
	// ScopeName instrumentation scope name
	ScopeName string `json:"scope_name"`
	// ScopeVersion instrumentation scope version
	ScopeVersion string `json:"scope_version"`
	// SpanAttributes span attributes flattened to strings
	SpanAttributes map[string]string `json:"span_attributes"`
	// Duration span duration in integer nanoseconds
	Duration int64 `json:"duration"`
	// StatusCode one of Unset|Ok|Error
	StatusCode string `json:"status_code"`
	// StatusMessage status description, normally set on Error
	StatusMessage string `json:"status_message"`
	// Events timestamped events attached to the span
	Events []SpanEvent `json:"events"`
	// Links links to other spans
	Links []SpanLink `json:"links"`
	// ChildSpanCount number of direct children, 0 unless upstream sets it
	ChildSpanCount int `json:"child_span_count"`
}

// filterAttributeNames maps reserved bud.* span attributes, propagated by the
// upstream tracing system as baggage, to subscription filter keys. Only this
// attribute family participates in routing; everything else on a span is
// invisible to the filter layer.
var filterAttributeNames = map[string]string{
	"bud.project_id":  "project_id",
	"bud.endpoint_id": "endpoint_id",
	"bud.prompt_id":   "prompt_id",
}

// FilterAttributes extract the routing-relevant filter attributes from a span.
// A span carrying none of the reserved attributes returns an empty map, which
// still matches wildcard subscriptions.
func FilterAttributes(span *SpanRecord) map[string]string {
	extracted := map[string]string{}
	for attrName, filterKey := range filterAttributeNames {
		if value, ok := span.SpanAttributes[attrName]; ok {
			extracted[filterKey] = value
		}
	}
	return extracted
}
