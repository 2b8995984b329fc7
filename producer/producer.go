// Package producer implements C4: encoding an envelope and appending it
// to a stream, with an optional atomic idempotency path grounded in
// §4.4.
package producer

import (
	"context"
	"fmt"
	"time"

	"jobrunner/envelope"
	"jobrunner/jobrunnerlog"
	"jobrunner/streamclient"
)

// IdempotencyConfig enables the reserve-and-append path (§4.4 step 2).
type IdempotencyConfig struct {
	// TTLSec bounds how long a reservation (or the resulting id) guards
	// against a duplicate send for the same (stream, type, key).
	TTLSec int64
}

// Config configures a Producer. Stream and Codec are required.
type Config struct {
	Stream      string
	Codec       envelope.Codec
	DefaultType string
	Idempotency *IdempotencyConfig
	Log         jobrunnerlog.Logger
}

// SendOpts customizes a single Send call.
type SendOpts struct {
	Type string
	Key  string
}

// Producer appends envelopes to a stream.
type Producer struct {
	client   streamclient.Required
	scripter streamclient.Scripter
	cfg      Config
	log      jobrunnerlog.Logger
}

// New constructs a Producer. If cfg.Idempotency is set, client must also
// implement streamclient.Scripter — reserve+append cannot be split
// across round trips without breaking the at-most-once guarantee the
// feature promises, so this is a construction-time error rather than a
// silent degrade (§4.4, §5).
func New(client streamclient.Required, cfg Config) (*Producer, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("producer: stream is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("producer: codec is required")
	}
	if cfg.DefaultType == "" {
		cfg.DefaultType = "msg"
	}
	log := cfg.Log
	if log == nil {
		log = jobrunnerlog.Nop{}
	}

	var scripter streamclient.Scripter
	if cfg.Idempotency != nil {
		s, ok := client.(streamclient.Scripter)
		if !ok {
			return nil, fmt.Errorf("producer: idempotency configured but client does not support Scripter")
		}
		scripter = s
	}

	return &Producer{client: client, scripter: scripter, cfg: cfg, log: log}, nil
}

// Send encodes payload with the configured headers and appends it to the
// stream, returning the resulting (or, under idempotency, the
// already-reserved) stream id.
func (p *Producer) Send(ctx context.Context, payload string, opts SendOpts) (string, error) {
	msgType := opts.Type
	if msgType == "" {
		msgType = p.cfg.DefaultType
	}

	headers := envelope.Headers{
		Type:         msgType,
		Attempt:      0,
		EnqueuedAtMs: time.Now().UnixMilli(),
		Key:          opts.Key,
	}

	env := envelope.Envelope{Headers: headers, Payload: payload}
	fields, err := p.cfg.Codec.Encode(env)
	if err != nil {
		return "", fmt.Errorf("producer: encode: %w", err)
	}

	if p.scripter != nil && opts.Key != "" {
		idemKey := fmt.Sprintf("idempotency:%s:%s:%s", p.cfg.Stream, msgType, opts.Key)
		id, err := p.scripter.EvalReserveAndAppend(ctx, idemKey, p.cfg.Idempotency.TTLSec, p.cfg.Stream, fields)
		if err != nil {
			return "", fmt.Errorf("producer: reserve and append: %w", err)
		}
		return id, nil
	}

	id, err := p.client.Append(ctx, p.cfg.Stream, fields)
	if err != nil {
		return "", fmt.Errorf("producer: append: %w", err)
	}
	return id, nil
}
