// Package ingest implements the block-stream consumer: it filters draw
// contract calls out of finalized blocks, validates their pixel payloads,
// and pushes draw events onto the durable work queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chainpaint/chainpaint/business/core/draw"
	"github.com/chainpaint/chainpaint/business/sys/kvstore"
	"github.com/chainpaint/chainpaint/foundation/blocks"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// drawMethod is the contract method whose calls carry pixel payloads.
const drawMethod = "draw"

// pollInterval is how long to wait before asking for a block height that
// has not been produced yet.
const pollInterval = 500 * time.Millisecond

// maxBackoff caps the retry delay for transient block source and keyed
// store failures.
const maxBackoff = 30 * time.Second

// Config represents the configuration required to construct the ingester.
type Config struct {
	Log        *zap.SugaredLogger
	KV         *redis.Client
	Source     *blocks.Client
	ContractID string
	StartBlock uint64
}

// Ingest streams blocks and feeds the draw queue. It runs forever; the only
// way to stop it is to cancel its context.
type Ingest struct {
	log        *zap.SugaredLogger
	kv         *redis.Client
	source     *blocks.Client
	contractID string
	startBlock uint64
}

// New constructs an Ingest ready to run.
func New(cfg Config) *Ingest {
	return &Ingest{
		log:        cfg.Log,
		kv:         cfg.KV,
		source:     cfg.Source,
		contractID: cfg.ContractID,
		startBlock: cfg.StartBlock,
	}
}

// Run consumes blocks from the resume cursor forward until the context is
// canceled. The cursor advances past a block only after every event in that
// block has been pushed.
func (i *Ingest) Run(ctx context.Context) error {
	height, err := i.cursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	i.log.Infow("ingest: run: started", "height", height, "contract", i.contractID)
	defer i.log.Infow("ingest: run: completed")

	delay := time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		block, err := i.source.Block(ctx, height)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			i.log.Errorw("ingest: run: fetch block", "height", height, "delay", delay, "ERROR", err)
			if !sleep(ctx, delay) {
				return nil
			}
			if delay *= 2; delay > maxBackoff {
				delay = maxBackoff
			}
			continue
		}

		if block == nil {

			// The chain has not produced this height yet.
			if !sleep(ctx, pollInterval) {
				return nil
			}
			continue
		}

		if err := i.processBlock(ctx, block); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			// Keyed store errors are transient: retry the same block. The
			// events already pushed for it are re-pushed on retry, but the
			// cursor has not advanced so no block is ever skipped.
			i.log.Errorw("ingest: run: process block", "height", height, "delay", delay, "ERROR", err)
			if !sleep(ctx, delay) {
				return nil
			}
			if delay *= 2; delay > maxBackoff {
				delay = maxBackoff
			}
			continue
		}
		delay = time.Second

		height = block.Header.Height + 1
	}
}

// cursor determines the first height to consume: one past the persisted
// cursor, or the configured start height on a fresh deployment.
func (i *Ingest) cursor(ctx context.Context) (uint64, error) {
	v, err := i.kv.Get(ctx, kvstore.LastProcessedBlock).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return i.startBlock, nil

	case err != nil:
		return 0, err
	}

	last, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", v, err)
	}

	return last + 1, nil
}

// processBlock pushes every draw event in the block onto the queue in
// receipt order and then advances the cursor.
func (i *Ingest) processBlock(ctx context.Context, block *blocks.Block) error {
	events := i.filter(block)

	for _, evt := range events {
		wire, err := evt.Marshal()
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := i.kv.LPush(ctx, kvstore.DrawQueue, wire).Err(); err != nil {
			return fmt.Errorf("push event: %w", err)
		}
	}

	if err := i.kv.Set(ctx, kvstore.LastProcessedBlock, block.Header.Height, 0).Err(); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	if len(events) > 0 {
		pixels := 0
		for _, evt := range events {
			pixels += len(evt.Pixels)
		}
		i.log.Infow("ingest: block processed", "height", block.Header.Height, "events", len(events), "pixels", pixels)
	}

	return nil
}

// filter extracts valid draw events from a block. A receipt that fails
// validation is dropped silently; it never aborts the block.
func (i *Ingest) filter(block *blocks.Block) []draw.Event {
	var events []draw.Event

	for _, receipt := range block.Receipts {
		if receipt.ReceiverID != i.contractID {
			continue
		}

		for _, action := range receipt.Actions {
			if action.MethodName != drawMethod {
				continue
			}

			args, err := draw.ParseArgs(action.Args)
			if err != nil {
				i.log.Infow("ingest: dropped receipt", "height", block.Header.Height, "tx", receipt.TxID, "reason", err)
				continue
			}

			events = append(events, draw.Event{
				Signer:           receipt.PredecessorID,
				BlockHeight:      block.Header.Height,
				BlockTimestampNs: block.Header.TimestampNs,
				TxID:             receipt.TxID,
				Pixels:           args.Pixels,
			})
		}
	}

	return events
}

// sleep waits for the duration or the context, reporting false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
