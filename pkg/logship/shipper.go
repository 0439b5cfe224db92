// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logship forwards log records to the Helm service's central
// log sink. The shipper is a slog.Handler meant to be teed alongside
// the local handler: records are queued without blocking, batched in
// the background, and dropped when Helm cannot keep up. Local logging
// is never at the mercy of the sink.
package logship

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hivematrix/nexus/pkg/networking"
	"github.com/hivematrix/nexus/pkg/svctoken"
)

// Batching parameters: a batch ships when it is full or when the flush
// interval elapses, whichever comes first.
const (
	batchSize     = 10
	flushInterval = 5 * time.Second
)

// queueDepth bounds the in-flight records. A full queue drops the
// record rather than blocking the request path.
const queueDepth = 1024

// sendTimeout bounds one delivery attempt.
const sendTimeout = 5 * time.Second

// sendAttempts is the initial delivery plus one retry. After that the
// batch is dropped.
const sendAttempts = 2

// targetService is the registry name of the log sink.
const targetService = "helm"

// entry is one log record on the wire.
type entry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Context   map[string]any `json:"context"`
}

// payload is the ingest request body.
type payload struct {
	ServiceName string  `json:"service_name"`
	Logs        []entry `json:"logs"`
}

// Shipper is a slog.Handler that ships records to Helm. Handler clones
// made by WithAttrs and WithGroup share one sender.
type Shipper struct {
	sender *sender

	// attrs accumulated via WithAttrs/WithGroup.
	attrs  []slog.Attr
	prefix string
}

// sender owns the queue and the background delivery loop.
type sender struct {
	ingestURL   string
	serviceName string
	minLevel    slog.Level
	minter      *svctoken.Minter
	client      *http.Client

	queue chan entry
	done  chan struct{}
	wg    sync.WaitGroup
}

// New starts a shipper posting to {helmURL}/api/logs/ingest. Records
// below minLevel are skipped at the source.
func New(helmURL, serviceName string, minLevel slog.Level, minter *svctoken.Minter, client *http.Client) *Shipper {
	if client == nil {
		client = networking.NewClientBuilder().Build()
	}
	snd := &sender{
		ingestURL:   helmURL + "/api/logs/ingest",
		serviceName: serviceName,
		minLevel:    minLevel,
		minter:      minter,
		client:      client,
		queue:       make(chan entry, queueDepth),
		done:        make(chan struct{}),
	}

	snd.wg.Add(1)
	go snd.run()
	return &Shipper{sender: snd}
}

// Enabled implements slog.Handler.
func (s *Shipper) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= s.sender.minLevel
}

// Handle queues the record. It never blocks: when the queue is full
// the record is silently dropped.
func (s *Shipper) Handle(_ context.Context, r slog.Record) error {
	e := entry{
		Level:     levelName(r.Level),
		Message:   r.Message,
		Timestamp: r.Time.UTC().Format(time.RFC3339Nano),
		Context:   make(map[string]any, r.NumAttrs()+len(s.attrs)),
	}
	for _, a := range s.attrs {
		e.Context[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		e.Context[s.prefix+a.Key] = a.Value.Resolve().Any()
		return true
	})

	select {
	case s.sender.queue <- e:
	default:
	}
	return nil
}

// WithAttrs implements slog.Handler. The clone shares the queue and
// the background sender. Keys are prefixed with the open group at the
// time the attr is added, matching slog's grouping semantics.
func (s *Shipper) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *s
	clone.attrs = append([]slog.Attr{}, s.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, slog.Attr{Key: s.prefix + a.Key, Value: a.Value})
	}
	return &clone
}

// WithGroup implements slog.Handler by prefixing subsequent keys.
func (s *Shipper) WithGroup(name string) slog.Handler {
	if name == "" {
		return s
	}
	clone := *s
	clone.prefix = s.prefix + name + "."
	return &clone
}

// Shutdown stops the sender and flushes what is queued, bounded by the
// context deadline.
func (s *Shipper) Shutdown(ctx context.Context) error {
	close(s.sender.done)

	finished := make(chan struct{})
	go func() {
		s.sender.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the background sender loop.
func (s *sender) run() {
	defer s.wg.Done()

	batch := make([]entry, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.send(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever made it into the queue, then flush.
			for {
				select {
				case e := <-s.queue:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

// send delivers one batch with a single retry, then gives up. Failures
// are invisible by design: the shipper must never log through itself
// and must never block.
func (s *sender) send(batch []entry) {
	body, err := json.Marshal(payload{ServiceName: s.serviceName, Logs: batch})
	if err != nil {
		return
	}

	operation := func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.ingestURL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		if s.minter != nil {
			if token, err := s.minter.Token(ctx, targetService); err == nil {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return struct{}{}, fmt.Errorf("ingest returned status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond

	_, _ = backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(sendAttempts),
	)
}

// levelName maps slog levels onto the sink's level vocabulary.
func levelName(lvl slog.Level) string {
	switch {
	case lvl >= slog.LevelError:
		return "ERROR"
	case lvl >= slog.LevelWarn:
		return "WARNING"
	case lvl >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
