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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// spanTimestampFormat fixed width ISO-8601 with nanosecond precision. The
// conversion from epoch nanoseconds goes through integer math only.
const spanTimestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

// otlpNanos epoch nanoseconds as encoded in OTLP/HTTP JSON. The protobuf JSON
// mapping emits uint64 fields as strings, but some emitters send bare numbers;
// both decode here.
type otlpNanos int64

// UnmarshalJSON implements json.Unmarshaler
func (n *otlpNanos) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(data), `"`)
	if len(trimmed) == 0 || trimmed == "null" {
		*n = 0
		return nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return err
	}
	*n = otlpNanos(parsed)
	return nil
}

// otlpEnum an OTLP enum field, sent either as the numeric value or the proto
// enum name depending on the exporter
type otlpEnum struct {
	numeric int
	name    string
}

// UnmarshalJSON implements json.Unmarshaler
func (e *otlpEnum) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var asString string
		if err := json.Unmarshal(data, &asString); err != nil {
			return err
		}
		e.name = asString
		return nil
	}
	return json.Unmarshal(data, &e.numeric)
}

// otlpAnyValue the OTLP AnyValue union
type otlpAnyValue struct {
	StringValue *string         `json:"stringValue,omitempty"`
	BoolValue   *bool           `json:"boolValue,omitempty"`
	IntValue    *otlpNanos      `json:"intValue,omitempty"`
	DoubleValue *float64        `json:"doubleValue,omitempty"`
	BytesValue  *string         `json:"bytesValue,omitempty"`
	ArrayValue  json.RawMessage `json:"arrayValue,omitempty"`
	KvlistValue json.RawMessage `json:"kvlistValue,omitempty"`
}

// asString flatten an AnyValue to its string form
func (v otlpAnyValue) asString() string {
	switch {
	case v.StringValue != nil:
		return *v.StringValue
	case v.BoolValue != nil:
		return strconv.FormatBool(*v.BoolValue)
	case v.IntValue != nil:
		return strconv.FormatInt(int64(*v.IntValue), 10)
	case v.DoubleValue != nil:
		return strconv.FormatFloat(*v.DoubleValue, 'g', -1, 64)
	case v.BytesValue != nil:
		return *v.BytesValue
	case v.ArrayValue != nil:
		return string(v.ArrayValue)
	case v.KvlistValue != nil:
		return string(v.KvlistValue)
	}
	return ""
}

// otlpKeyValue one attribute entry
type otlpKeyValue struct {
	Key   string       `json:"key"`
	Value otlpAnyValue `json:"value"`
}

// otlpStatus span status
type otlpStatus struct {
	Code    otlpEnum `json:"code"`
	Message string   `json:"message"`
}

// otlpEvent one span event
type otlpEvent struct {
	TimeUnixNano otlpNanos      `json:"timeUnixNano"`
	Name         string         `json:"name"`
	Attributes   []otlpKeyValue `json:"attributes"`
}

// otlpLink one span link
type otlpLink struct {
	TraceID    string         `json:"traceId"`
	SpanID     string         `json:"spanId"`
	TraceState string         `json:"traceState"`
	Attributes []otlpKeyValue `json:"attributes"`
}

// otlpSpan one span within a scope
type otlpSpan struct {
	TraceID           string         `json:"traceId"`
	SpanID            string         `json:"spanId"`
	ParentSpanID      string         `json:"parentSpanId"`
	TraceState        string         `json:"traceState"`
	Name              string         `json:"name"`
	Kind              otlpEnum       `json:"kind"`
	StartTimeUnixNano otlpNanos      `json:"startTimeUnixNano"`
	EndTimeUnixNano   otlpNanos      `json:"endTimeUnixNano"`
	Attributes        []otlpKeyValue `json:"attributes"`
	Events            []otlpEvent    `json:"events"`
	Links             []otlpLink     `json:"links"`
	Status            otlpStatus     `json:"status"`
}

// otlpScopeSpans spans grouped by instrumentation scope
type otlpScopeSpans struct {
	Scope struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"scope"`
	Spans []otlpSpan `json:"spans"`
}

// otlpResourceSpans spans grouped by originating resource
type otlpResourceSpans struct {
	Resource struct {
		Attributes []otlpKeyValue `json:"attributes"`
	} `json:"resource"`
	ScopeSpans []otlpScopeSpans `json:"scopeSpans"`
}

// OTLPExport the OTLP/HTTP JSON trace export envelope
type OTLPExport struct {
	ResourceSpans []otlpResourceSpans `json:"resourceSpans"`
}

// ParseOTLPExport decode an OTLP/HTTP JSON trace export payload. Callers treat
// a decode failure as "zero spans accepted", never as a server fault.
func ParseOTLPExport(payload []byte) (*OTLPExport, error) {
	var export OTLPExport
	if err := json.Unmarshal(payload, &export); err != nil {
		return nil, err
	}
	return &export, nil
}

// spanKindNames numeric OTLP SpanKind to wire name
var spanKindNames = map[int]string{
	0: "Unspecified",
	1: "Internal",
	2: "Server",
	3: "Client",
	4: "Producer",
	5: "Consumer",
}

// spanKindName resolve the wire name for an OTLP span kind enum
func spanKindName(kind otlpEnum) string {
	if kind.name != "" {
		// e.g. "SPAN_KIND_SERVER" => "Server"
		short := strings.TrimPrefix(kind.name, "SPAN_KIND_")
		if len(short) > 0 {
			return strings.ToUpper(short[:1]) + strings.ToLower(short[1:])
		}
	}
	if name, ok := spanKindNames[kind.numeric]; ok {
		return name
	}
	return "Unspecified"
}

// statusCodeNames numeric OTLP StatusCode to wire name
var statusCodeNames = map[int]string{
	0: "Unset",
	1: "Ok",
	2: "Error",
}

// statusCodeName resolve the wire name for an OTLP status code enum
func statusCodeName(code otlpEnum) string {
	if code.name != "" {
		short := strings.TrimPrefix(code.name, "STATUS_CODE_")
		if len(short) > 0 {
			return strings.ToUpper(short[:1]) + strings.ToLower(short[1:])
		}
	}
	if name, ok := statusCodeNames[code.numeric]; ok {
		return name
	}
	return "Unset"
}

// flattenAttributes convert an OTLP attribute list into a string map
func flattenAttributes(attributes []otlpKeyValue) map[string]string {
	flattened := make(map[string]string, len(attributes))
	for _, attribute := range attributes {
		flattened[attribute.Key] = attribute.Value.asString()
	}
	return flattened
}

// nanosToTimestamp convert epoch nanoseconds to the ISO-8601 wire format
func nanosToTimestamp(nanos otlpNanos) string {
	return time.Unix(0, int64(nanos)).UTC().Format(spanTimestampFormat)
}

// Flatten convert the envelope into the flat SpanRecord list used for filter
// extraction and client emission. Missing optional sections (resource, scope,
// events, links, parent span) produce zero values rather than errors.
func (e *OTLPExport) Flatten() []SpanRecord {
	records := []SpanRecord{}
	for _, resourceSpans := range e.ResourceSpans {
		resourceAttributes := flattenAttributes(resourceSpans.Resource.Attributes)
		serviceName := resourceAttributes["service.name"]
		for _, scopeSpans := range resourceSpans.ScopeSpans {
			for _, span := range scopeSpans.Spans {
				record := SpanRecord{
					Timestamp:          nanosToTimestamp(span.StartTimeUnixNano),
					TraceID:            span.TraceID,
					SpanID:             span.SpanID,
					ParentSpanID:       span.ParentSpanID,
					TraceState:         span.TraceState,
					SpanName:           span.Name,
					SpanKind:           spanKindName(span.Kind),
					ServiceName:        serviceName,
					ResourceAttributes: resourceAttributes,
					ScopeName:          scopeSpans.Scope.Name,
					ScopeVersion:       scopeSpans.Scope.Version,
					SpanAttributes:     flattenAttributes(span.Attributes),
					Duration:           int64(span.EndTimeUnixNano) - int64(span.StartTimeUnixNano),
					StatusCode:         statusCodeName(span.Status.Code),
					StatusMessage:      span.Status.Message,
					Events:             make([]SpanEvent, 0, len(span.Events)),
					Links:              make([]SpanLink, 0, len(span.Links)),
					ChildSpanCount:     0,
				}
				for _, event := range span.Events {
					record.Events = append(record.Events, SpanEvent{
						Timestamp:  nanosToTimestamp(event.TimeUnixNano),
						Name:       event.Name,
						Attributes: flattenAttributes(event.Attributes),
					})
				}
				for _, link := range span.Links {
					record.Links = append(record.Links, SpanLink{
						TraceID:    link.TraceID,
						SpanID:     link.SpanID,
						TraceState: link.TraceState,
						Attributes: flattenAttributes(link.Attributes),
					})
				}
				records = append(records, record)
			}
		}
	}
	return records
}

// String diagnostic summary of an export envelope
func (e *OTLPExport) String() string {
	spanCount := 0
	for _, resourceSpans := range e.ResourceSpans {
		for _, scopeSpans := range resourceSpans.ScopeSpans {
			spanCount += len(scopeSpans.Spans)
		}
	}
	return fmt.Sprintf("otlp-export[resources=%d spans=%d]", len(e.ResourceSpans), spanCount)
}
