// Package redis implements the stream consumer side of the service: bar
// events arrive on Redis Streams, one stream per (symbol, timeframe),
// consumed under a named consumer group. Acks are explicit and happen
// only after the caller has durably written the corresponding results.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"stats-servicev1/internal/model"
)

// ReaderConfig configures the stream reader.
type ReaderConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string // consumer group name, e.g. "statsengine"
	ConsumerName  string // unique consumer name, e.g. hostname
}

// BarMessage couples a decoded bar event with its stream coordinates so
// the processing loop can ack it only after the compute→upsert sequence
// has completed (commit-after-write).
type BarMessage struct {
	Bar         model.Bar
	Stream      string
	ID          string
	Redelivered bool // true for pending-recovery and PEL-reclaimed messages
}

// Reader consumes bar events from Redis Streams via consumer groups.
type Reader struct {
	client        *goredis.Client
	consumerGroup string
	consumerName  string
}

// NewReader creates a Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	group := cfg.ConsumerGroup
	if group == "" {
		group = "statsengine"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}

	log.Printf("[redis-reader] connected to %s (group=%s, consumer=%s)", cfg.Addr, group, consumer)
	return &Reader{
		client:        client,
		consumerGroup: group,
		consumerName:  consumer,
	}, nil
}

// Client exposes the underlying client for health probes.
func (r *Reader) Client() *goredis.Client { return r.client }

// CheckAttach verifies that every stream exists and carries the consumer
// group. Provisioning is owned by an external component; a missing
// stream or group is an attach failure, never something this service
// creates.
func (r *Reader) CheckAttach(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		groups, err := r.client.XInfoGroups(ctx, stream).Result()
		if err != nil {
			return fmt.Errorf("attach %s: %w", stream, err)
		}
		found := false
		for _, g := range groups {
			if g.Name == r.consumerGroup {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("attach %s: consumer group %q not provisioned", stream, r.consumerGroup)
		}
	}
	return nil
}

// ConsumeBars reads bar events from the streams using XREADGROUP and
// sends them to out. Messages are NOT acked here — the caller acks via
// Ack after its results are durable. Malformed payloads are acked
// immediately to avoid a poison pill. Returns when ctx is cancelled.
func (r *Reader) ConsumeBars(ctx context.Context, streams []string, out chan<- BarMessage) error {
	// Build stream args: [stream1, stream2, ..., ">", ">", ...]
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			Streams:  args,
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("[redis-reader] xreadgroup error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				bar, ok := decodeStreamBar(stream.Stream, msg)
				if !ok {
					r.client.XAck(ctx, stream.Stream, r.consumerGroup, msg.ID)
					continue
				}

				select {
				case out <- BarMessage{Bar: bar, Stream: stream.Stream, ID: msg.ID}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Ack acknowledges a processed message. Called by the processing loop
// after the corresponding statistics have been upserted.
func (r *Reader) Ack(ctx context.Context, stream, id string) error {
	return r.client.XAck(ctx, stream, r.consumerGroup, id).Err()
}

// RecoverPending claims this consumer's pending (unacked) messages from
// a previous crash and sends them to out for reprocessing. Combined with
// the idempotent upsert this gives at-least-once delivery with
// at-most-once effect. Recovered entries stay in the PEL until the
// processing loop acks them, so each XPENDING page must start past the
// last entry of the previous one; re-polling from "-" would read the
// same unacked page forever.
func (r *Reader) RecoverPending(ctx context.Context, streams []string, out chan<- BarMessage) error {
	for _, stream := range streams {
		start := "-"
		for {
			pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream: stream,
				Group:  r.consumerGroup,
				Start:  start,
				End:    "+",
				Count:  100,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}
			start = nextStreamID(pending[len(pending)-1].ID)

			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}

			claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    r.consumerGroup,
				Consumer: r.consumerName,
				MinIdle:  0,
				Messages: ids,
			}).Result()
			if err != nil {
				log.Printf("[redis-reader] xclaim error on %s: %v", stream, err)
				break
			}

			for _, msg := range claimed {
				bar, ok := decodeStreamBar(stream, msg)
				if !ok {
					r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
					continue
				}

				select {
				case out <- BarMessage{Bar: bar, Stream: stream, ID: msg.ID, Redelivered: true}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	return nil
}

// nextStreamID returns the stream ID immediately after id, used as the
// inclusive start of the next XPENDING page.
func nextStreamID(id string) string {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return id
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return id
	}
	return fmt.Sprintf("%s-%d", parts[0], seq+1)
}

// ReclaimStaleMessages finds PEL entries idle > minIdleMs owned by other
// consumers in the group and XCLAIMs them for this consumer. This is how
// work abandoned by a dead worker gets reassigned.
func (r *Reader) ReclaimStaleMessages(ctx context.Context, stream string, minIdleMs int64, batchSize int64) ([]goredis.XMessage, error) {
	pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  r.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  batchSize,
		Idle:   time.Duration(minIdleMs) * time.Millisecond,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	var staleIDs []string
	for _, p := range pending {
		if p.Consumer != r.consumerName {
			staleIDs = append(staleIDs, p.ID)
		}
	}
	if len(staleIDs) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    r.consumerGroup,
		Consumer: r.consumerName,
		MinIdle:  time.Duration(minIdleMs) * time.Millisecond,
		Messages: staleIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}

	log.Printf("[redis-reader] reclaimed %d stale PEL entries from %s", len(claimed), stream)
	return claimed, nil
}

// StartPELReclaimer runs a periodic loop that scans all streams for
// stale PEL entries and reclaims them. Reclaimed bars flow into outCh
// marked Redelivered, which makes the processing loop re-check window
// freshness before computing (ownership gain may require a re-seed).
// Runs until ctx is cancelled.
func (r *Reader) StartPELReclaimer(ctx context.Context, streams []string, interval time.Duration, minIdleMs int64, outCh chan<- BarMessage, onReclaim func(count int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			totalReclaimed := 0
			for _, stream := range streams {
				claimed, err := r.ReclaimStaleMessages(ctx, stream, minIdleMs, 50)
				if err != nil {
					log.Printf("[redis-reader] PEL reclaim error on %s: %v", stream, err)
					continue
				}
				for _, msg := range claimed {
					bar, ok := decodeStreamBar(stream, msg)
					if !ok {
						r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
						continue
					}
					select {
					case outCh <- BarMessage{Bar: bar, Stream: stream, ID: msg.ID, Redelivered: true}:
					case <-ctx.Done():
						return
					}
					totalReclaimed++
				}
			}
			if totalReclaimed > 0 && onReclaim != nil {
				onReclaim(totalReclaimed)
			}
		}
	}
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}

// decodeBar parses a stream message's "data" field into a Bar.
func decodeBar(msg goredis.XMessage) (model.Bar, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return model.Bar{}, false
	}

	var bar model.Bar
	if err := json.Unmarshal([]byte(data), &bar); err != nil {
		log.Printf("[redis-reader] unmarshal bar error: %v", err)
		return model.Bar{}, false
	}
	if bar.Symbol == "" || bar.Timeframe == "" || bar.OpenTime.IsZero() {
		return model.Bar{}, false
	}
	return bar, true
}

// decodeStreamBar decodes a message and cross-checks the payload
// against the stream it arrived on. A bar published to the wrong stream
// would be windowed under the wrong key, so mismatches are treated as
// malformed and acked away by the caller.
func decodeStreamBar(stream string, msg goredis.XMessage) (model.Bar, bool) {
	bar, ok := decodeBar(msg)
	if !ok {
		return model.Bar{}, false
	}
	symbol, timeframe, ok := ParseStreamKey(stream)
	if !ok || symbol != bar.Symbol || timeframe != bar.Timeframe {
		log.Printf("[redis-reader] bar %s/%s does not match stream %s, dropping", bar.Symbol, bar.Timeframe, stream)
		return model.Bar{}, false
	}
	return bar, true
}

// ParseStreamKey splits a "bars:{timeframe}:{symbol}" stream key.
func ParseStreamKey(stream string) (symbol, timeframe string, ok bool) {
	parts := strings.SplitN(stream, ":", 3)
	if len(parts) != 3 || parts[0] != "bars" {
		return "", "", false
	}
	return parts[2], parts[1], true
}
