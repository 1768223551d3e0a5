// Package orphan queues processor orders that were minted but not persisted.
package orphan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitle/internal/payment/domain"
	"go.uber.org/zap"
)

const redisKey = "entitle:orders:orphans"

// NewSink prefers redis so orphans survive restarts.
func NewSink(client *redis.Client, log *zap.Logger) domain.OrphanSink {
	if client == nil {
		log.Warn("orphan sink is in-memory; unreconciled orders are lost on restart")
		return NewMemorySink()
	}
	return NewRedisSink(client, redisKey)
}

// RedisSink keeps queued orphans in one list and reserved orphans in a
// processing list, so a crash between Pop and Ack never drops an entry.
type RedisSink struct {
	client     *redis.Client
	key        string
	processing string

	mu       sync.Mutex
	reserved map[string]string
}

func NewRedisSink(client *redis.Client, key string) *RedisSink {
	return &RedisSink{
		client:     client,
		key:        key,
		processing: key + ":processing",
		reserved:   make(map[string]string),
	}
}

func (s *RedisSink) Push(ctx context.Context, orphan domain.Orphan) error {
	payload, err := json.Marshal(orphan)
	if err != nil {
		return fmt.Errorf("encode orphan: %w", err)
	}
	return s.client.LPush(ctx, s.key, payload).Err()
}

func (s *RedisSink) Pop(ctx context.Context) (*domain.Orphan, error) {
	raw, err := s.client.LMove(ctx, s.key, s.processing, "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var orphan domain.Orphan
	if err := json.Unmarshal([]byte(raw), &orphan); err != nil {
		// Undecodable entries stay in the processing list for manual inspection.
		return nil, fmt.Errorf("decode orphan: %w", err)
	}
	s.mu.Lock()
	s.reserved[orphan.ProcessorOrderID] = raw
	s.mu.Unlock()
	return &orphan, nil
}

func (s *RedisSink) Ack(ctx context.Context, orphan domain.Orphan) error {
	raw, err := s.take(orphan)
	if err != nil {
		return err
	}
	return s.client.LRem(ctx, s.processing, 1, raw).Err()
}

func (s *RedisSink) Nack(ctx context.Context, orphan domain.Orphan) error {
	raw, err := s.take(orphan)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.processing, 1, raw)
		pipe.LPush(ctx, s.key, raw)
		return nil
	})
	return err
}

// Reclaim moves every in-flight orphan back onto the queue. Callers run it
// while no other consumer is popping.
func (s *RedisSink) Reclaim(ctx context.Context) (int64, error) {
	var moved int64
	for {
		_, err := s.client.LMove(ctx, s.processing, s.key, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
	s.mu.Lock()
	clear(s.reserved)
	s.mu.Unlock()
	return moved, nil
}

func (s *RedisSink) Len(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.key).Result()
}

// take returns the exact payload Pop reserved, falling back to re-encoding.
func (s *RedisSink) take(orphan domain.Orphan) (string, error) {
	s.mu.Lock()
	raw, ok := s.reserved[orphan.ProcessorOrderID]
	delete(s.reserved, orphan.ProcessorOrderID)
	s.mu.Unlock()
	if ok {
		return raw, nil
	}
	payload, err := json.Marshal(orphan)
	if err != nil {
		return "", fmt.Errorf("encode orphan: %w", err)
	}
	return string(payload), nil
}

// MemorySink is a FIFO used when redis is not configured and in tests.
type MemorySink struct {
	mu       sync.Mutex
	items    []domain.Orphan
	inflight []domain.Orphan
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Push(_ context.Context, orphan domain.Orphan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, orphan)
	return nil
}

func (s *MemorySink) Pop(_ context.Context) (*domain.Orphan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil, nil
	}
	head := s.items[0]
	s.items = s.items[1:]
	s.inflight = append(s.inflight, head)
	return &head, nil
}

func (s *MemorySink) Ack(_ context.Context, orphan domain.Orphan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(orphan.ProcessorOrderID)
	return nil
}

func (s *MemorySink) Nack(_ context.Context, orphan domain.Orphan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(orphan.ProcessorOrderID)
	s.items = append(s.items, orphan)
	return nil
}

func (s *MemorySink) Reclaim(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := int64(len(s.inflight))
	s.items = append(s.inflight, s.items...)
	s.inflight = nil
	return moved, nil
}

func (s *MemorySink) Len(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.items)), nil
}

func (s *MemorySink) release(orderID string) {
	for i, item := range s.inflight {
		if item.ProcessorOrderID == orderID {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return
		}
	}
}
