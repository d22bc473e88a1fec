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

package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/alwitt/budrelay/common"
	"github.com/alwitt/budrelay/core"
	"github.com/alwitt/budrelay/realtime"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// SpanBatchEnvelope the JetStream message payload carrying one accepted span
// batch. Sibling query services consume this to ingest the identical span
// wire shape clients see on the real-time path.
type SpanBatchEnvelope struct {
	// Channel the channel the batch was routed on
	Channel string `json:"channel"`
	// Spans the accepted span records
	Spans []realtime.SpanRecord `json:"spans"`
}

// SpanForwarder re-publishes accepted span batches for sibling services
type SpanForwarder interface {
	// ForwardBatch publish one accepted span batch
	ForwardBatch(ctxt context.Context, spans []realtime.SpanRecord) error
	// Healthy whether the underlying transport is usable
	Healthy() bool
}

// subjectNamePattern valid JetStream subject tokens
var subjectNamePattern = regexp.MustCompile(`^[a-zA-Z0-9-_]+(\.[a-zA-Z0-9-_]+)*$`)

// ValidateSubjectName verify a subject string is usable for publishing
func ValidateSubjectName(subject string) error {
	if !subjectNamePattern.MatchString(subject) {
		return fmt.Errorf("subject '%s' is not a valid JetStream subject", subject)
	}
	return nil
}

// jetStreamSpanForwarder implements SpanForwarder against NATS JetStream
type jetStreamSpanForwarder struct {
	common.Component
	nats    *core.NatsClient
	subject string
}

// GetJetStreamSpanForwarder define a new JetStream backed SpanForwarder
func GetJetStreamSpanForwarder(
	natsClient *core.NatsClient, subject string, instance string,
) (SpanForwarder, error) {
	if err := ValidateSubjectName(subject); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "forwarder", "component": "js-span-forwarder", "instance": instance,
	}
	return &jetStreamSpanForwarder{
		Component: common.Component{LogTags: logTags}, nats: natsClient, subject: subject,
	}, nil
}

// EncodeBatch serialize one span batch into its message payload
func EncodeBatch(spans []realtime.SpanRecord) ([]byte, error) {
	return json.Marshal(SpanBatchEnvelope{
		Channel: string(realtime.ChannelObservability), Spans: spans,
	})
}

// ForwardBatch implements SpanForwarder
func (f *jetStreamSpanForwarder) ForwardBatch(
	ctxt context.Context, spans []realtime.SpanRecord,
) error {
	if len(spans) == 0 {
		return nil
	}
	payload, err := EncodeBatch(spans)
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Error("Unable to serialize span batch")
		return err
	}
	ack, err := f.nats.JetStream().PublishAsync(f.subject, payload)
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Errorf(
			"Unable to publish span batch to %s", f.subject,
		)
		return err
	}
	// Wait for success, failure, or caller cancellation
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(f.LogTags).Error("Span batch send failure")
			return err
		}
		log.WithFields(f.LogTags).Debugf(
			"Forwarded %d spans as [%d] on %s", len(spans), goodSig.Sequence, f.subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(f.LogTags).Error("Span batch send failure")
			return err
		}
		log.WithError(txErr).WithFields(f.LogTags).Errorf(
			"Failed to forward span batch to %s", f.subject,
		)
		return txErr
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// Healthy implements SpanForwarder
func (f *jetStreamSpanForwarder) Healthy() bool {
	return f.nats.NATs().Status() == nats.CONNECTED
}
