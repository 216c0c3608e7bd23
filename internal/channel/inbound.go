package channel

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"

	"github.com/memohai/omnibox/internal/message"
)

// errManagerStopped is returned by HandleInbound after Shutdown.
var errManagerStopped = errors.New("channel manager stopped")

type inboundTask struct {
	key Key
	msg message.Message
}

// shardFor maps a room to a fixed worker so messages of one room are
// processed in arrival order.
func shardFor(platform message.Platform, roomID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(platform))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(roomID))
	return int(h.Sum32() % uint32(n))
}

// HandleInbound implements Sink.
func (m *Manager) HandleInbound(ctx context.Context, key Key, msg message.Message) error {
	if msg.Platform == "" {
		msg.Platform = key.Platform
	}
	if err := msg.Validate(); err != nil {
		m.logger.Warn("inbound message dropped", slog.String("key", key.String()), slog.Any("error", err))
		return err
	}
	shard := m.shards[shardFor(msg.Platform, msg.RoomID, len(m.shards))]
	select {
	case <-m.stopping:
		return errManagerStopped
	default:
	}
	select {
	case shard <- inboundTask{key: key, msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopping:
		return errManagerStopped
	}
}

func (m *Manager) startInboundWorkers(ctx context.Context) {
	m.inboundOnce.Do(func() {
		workerCtx := context.WithoutCancel(ctx)
		for _, shard := range m.shards {
			m.inboundWG.Add(1)
			go m.runInboundWorker(workerCtx, shard)
		}
	})
}

func (m *Manager) runInboundWorker(ctx context.Context, tasks chan inboundTask) {
	defer m.inboundWG.Done()
	for {
		select {
		case task := <-tasks:
			m.processInbound(ctx, task)
		case <-m.stopping:
			// Drain what was accepted before shutdown.
			for {
				select {
				case task := <-tasks:
					m.processInbound(ctx, task)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) processInbound(ctx context.Context, task inboundTask) {
	m.processorMu.RLock()
	processor := m.processor
	m.processorMu.RUnlock()
	if processor == nil {
		m.logger.Warn("inbound processor not configured", slog.String("key", task.key.String()))
		return
	}
	if err := processor.Ingest(ctx, task.key, task.msg); err != nil {
		m.logger.Error(
			"inbound processing failed",
			slog.String("platform", task.msg.Platform.String()),
			slog.String("room_id", task.msg.RoomID),
			slog.Any("error", err),
		)
	}
}
