package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ipcasj/ethhook/internal/config"
	"github.com/ipcasj/ethhook/internal/domain"
)

const (
	readBatch = 64
	readBlock = 5 * time.Second

	// errorBackoff paces the read loop after a Redis error so a broken
	// connection does not spin.
	errorBackoff = time.Second
)

// streamPayload is the part of a stream entry that rides inside the
// event's payload column: everything the receiver may want that is not a
// first-class Event column.
type streamPayload struct {
	BlockHash string   `json:"block_hash,omitempty"`
	Topics    []string `json:"topics"`
	Data      string   `json:"data"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// StreamConsumer reads decoded chain events from a Redis Stream through a
// consumer group and hands them to the pipeline. Entries are acknowledged
// only after a successful hand-off, so events survive a crash between read
// and ingest; malformed entries are acknowledged and dropped with a log
// line, since redelivery cannot fix them.
type StreamConsumer struct {
	client *redis.Client
	cfg    config.RedisConfig
	log    zerolog.Logger
	sink   func(ctx context.Context, ev *domain.Event) error
}

// NewStreamConsumer wires a consumer; sink is typically Pipeline.Ingest.
func NewStreamConsumer(client *redis.Client, cfg config.RedisConfig, log zerolog.Logger, sink func(ctx context.Context, ev *domain.Event) error) *StreamConsumer {
	return &StreamConsumer{
		client: client,
		cfg:    cfg,
		log:    log.With().Str("component", "stream-consumer").Logger(),
		sink:   sink,
	}
}

// Run consumes the stream until ctx is canceled.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.log.Info().
		Str("stream", c.cfg.EventStream).
		Str("group", c.cfg.ConsumerGroup).
		Str("consumer", c.cfg.ConsumerName).
		Msg("stream consumer started")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.ConsumerGroup,
			Consumer: c.cfg.ConsumerName,
			Streams:  []string{c.cfg.EventStream, ">"},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("stream read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(errorBackoff):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

func (c *StreamConsumer) handle(ctx context.Context, msg redis.XMessage) {
	ev, err := decodeStreamEvent(msg.Values)
	if err != nil {
		c.log.Error().Err(err).Str("entry_id", msg.ID).Msg("malformed stream entry dropped")
		c.ack(ctx, msg.ID)
		return
	}
	if err := c.sink(ctx, ev); err != nil {
		// Left unacknowledged: the pending entry is redelivered and
		// CreateEvent's idempotency absorbs the replay.
		c.log.Error().Err(err).Str("entry_id", msg.ID).Msg("event ingest failed")
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *StreamConsumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.EventStream, c.cfg.ConsumerGroup, id).Err(); err != nil && ctx.Err() == nil {
		c.log.Error().Err(err).Str("entry_id", id).Msg("stream ack failed")
	}
}

func (c *StreamConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.EventStream, c.cfg.ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// decodeStreamEvent maps a stream entry's field pairs onto an Event row.
// Topic zero is the event signature; the remaining topics, the data blob
// and block metadata ride inside the payload column.
func decodeStreamEvent(values map[string]any) (*domain.Event, error) {
	str := func(key string) string {
		if v, ok := values[key].(string); ok {
			return v
		}
		return ""
	}

	chainID, err := strconv.ParseUint(str("chain_id"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("chain_id: %w", err)
	}
	blockNumber, err := strconv.ParseUint(str("block_number"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("block_number: %w", err)
	}
	logIndex, err := strconv.ParseUint(str("log_index"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("log_index: %w", err)
	}
	txHash := str("tx_hash")
	if txHash == "" {
		return nil, errors.New("missing tx_hash")
	}
	contract := str("contract")
	if contract == "" {
		return nil, errors.New("missing contract")
	}

	var topics []string
	if raw := str("topics"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &topics); err != nil {
			return nil, fmt.Errorf("topics: %w", err)
		}
	}
	if len(topics) == 0 {
		return nil, errors.New("missing topics")
	}

	var timestamp int64
	if raw := str("timestamp"); raw != "" {
		timestamp, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
	}

	payload, err := json.Marshal(streamPayload{
		BlockHash: str("block_hash"),
		Topics:    topics,
		Data:      str("data"),
		Timestamp: timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	return &domain.Event{
		ChainID:         chainID,
		ContractAddress: contract,
		EventSignature:  topics[0],
		BlockNumber:     blockNumber,
		BlockHash:       str("block_hash"),
		TransactionHash: txHash,
		LogIndex:        uint32(logIndex),
		Payload:         string(payload),
	}, nil
}
