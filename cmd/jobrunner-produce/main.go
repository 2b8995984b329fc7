// Command jobrunner-produce is a one-shot CLI producer: it reads a
// payload from --payload or stdin, sends it through producer.Producer,
// and prints the resulting stream id.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"jobrunner/config"
	"jobrunner/envelope"
	"jobrunner/jobrunnerlog/slogadapter"
	"jobrunner/producer"
	"jobrunner/streamclient/redisclient"
)

func main() {
	payloadFlag := flag.String("payload", "", "payload to send (reads stdin if omitted)")
	typeFlag := flag.String("type", "", "message type (defaults to producer.default_type)")
	keyFlag := flag.String("key", "", "idempotency key")
	streamFlag := flag.String("stream", "", "target stream (overrides producer.stream)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("jobrunner-produce: load config: %v", err)
	}

	payload, err := readPayload(*payloadFlag)
	if err != nil {
		log.Fatalf("jobrunner-produce: read payload: %v", err)
	}

	logger := slogadapter.NewJSON(slogadapter.ParseLevel(cfg.Logging.Level))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redisclient.Open(ctx, cfg.Redis.URL, logger)
	if err != nil {
		log.Fatalf("jobrunner-produce: connect redis: %v", err)
	}
	defer client.Close()

	stream := cfg.Producer.Stream
	if *streamFlag != "" {
		stream = *streamFlag
	}

	var idem *producer.IdempotencyConfig
	if cfg.Producer.IdempotencyTTLSec > 0 {
		idem = &producer.IdempotencyConfig{TTLSec: cfg.Producer.IdempotencyTTLSec}
	}

	p, err := producer.New(client, producer.Config{
		Stream:      stream,
		Codec:       envelope.JSONCodec{},
		DefaultType: cfg.Producer.DefaultType,
		Idempotency: idem,
		Log:         logger,
	})
	if err != nil {
		log.Fatalf("jobrunner-produce: build producer: %v", err)
	}

	id, err := p.Send(ctx, payload, producer.SendOpts{Type: *typeFlag, Key: *keyFlag})
	if err != nil {
		log.Fatalf("jobrunner-produce: send: %v", err)
	}

	fmt.Println(id)
}

func readPayload(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}

	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", fmt.Errorf("stat stdin: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice != 0 {
		return "", fmt.Errorf("no --payload given and stdin is a terminal")
	}

	var sb strings.Builder
	r := bufio.NewReader(os.Stdin)
	if _, err := io.Copy(&sb, r); err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
