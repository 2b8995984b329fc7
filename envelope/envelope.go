// Package envelope implements the codec boundary (C1) between typed
// application payloads and the flat string field maps a stream entry
// stores. It is pure and stateless: Encode is total over any Envelope a
// producer can construct, and Decode round-trips any output of Encode.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Default field names used by the stock codec layout.
const (
	FieldHeaders = "headers"
	FieldPayload = "payload"
)

// Headers carries the metadata that travels alongside a payload through
// the send/dispatch/retry pipeline.
type Headers struct {
	// Type is the application-defined message kind.
	Type string `json:"type"`
	// Attempt is 0 on first enqueue and strictly increases on every
	// retry re-enqueue. It never decreases along a retry chain.
	Attempt int `json:"attempt"`
	// EnqueuedAtMs is the epoch-millisecond time the current stream
	// entry was produced. Updated on every retry re-enqueue.
	EnqueuedAtMs int64 `json:"enqueuedAt"`
	// Key is an optional idempotency key.
	Key string `json:"key,omitempty"`
	// TraceID is propagated unchanged across retries.
	TraceID string `json:"traceId,omitempty"`
}

// Envelope is the unit exchanged between producer and consumer.
type Envelope struct {
	Headers Headers
	Payload string
}

// Codec encodes and decodes envelopes to and from the flat field map a
// stream entry stores. Implementations must be pure: no I/O, no
// suspension points.
type Codec interface {
	Encode(e Envelope) (map[string]string, error)
	Decode(fields map[string]string) (Envelope, error)
}

// JSONCodec is the default layout: headers and payload serialized as two
// independent string fields. The consumer treats the field layout
// opaquely; only the codec understands it.
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(e Envelope) (map[string]string, error) {
	h, err := json.Marshal(e.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return map[string]string{
		FieldHeaders: string(h),
		FieldPayload: e.Payload,
	}, nil
}

// Decode implements Codec.
func (JSONCodec) Decode(fields map[string]string) (Envelope, error) {
	raw, ok := fields[FieldHeaders]
	if !ok {
		return Envelope{}, fmt.Errorf("decode envelope: missing %q field", FieldHeaders)
	}

	var h Headers
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return Envelope{}, fmt.Errorf("decode headers: %w", err)
	}

	payload, ok := fields[FieldPayload]
	if !ok {
		return Envelope{}, fmt.Errorf("decode envelope: missing %q field", FieldPayload)
	}

	return Envelope{Headers: h, Payload: payload}, nil
}
