package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Subscriber 进程内事件订阅函数
type Subscriber func(event string, payload map[string]interface{})

// mirrorQueueSize Redis 镜像队列容量，写满后丢弃新事件（只记录日志）
const mirrorQueueSize = 256

// mirrorEntry 待镜像到 Redis 的事件（负载在入队时已序列化定格）
type mirrorEntry struct {
	event     string
	data      string
	timestamp int64
}

// Broadcaster 命名事件分发器
//
// 事件同步推送给进程内订阅者；Redis Streams 镜像走缓冲队列，
// 由单个写入协程异步落盘，调用方不等待 Redis 完成。
// 广播为 fire-and-forget：Redis 不可用或队列写满只记录日志，
// 订阅者照常收到事件。被节流丢弃的广播不会补发，
// 消费端应将事件流视为“最终一致的最新状态”。
type Broadcaster struct {
	mu          sync.Mutex
	subscribers []Subscriber

	redisClient *redis.Client // 可为 nil（本地模式）
	stream      string
	logger      *zap.Logger

	mirror chan mirrorEntry
	done   chan struct{}
}

// NewBroadcaster 创建事件分发器，redisClient 为 nil 时仅做进程内分发
func NewBroadcaster(redisClient *redis.Client, stream string, logger *zap.Logger) *Broadcaster {
	b := &Broadcaster{
		redisClient: redisClient,
		stream:      stream,
		logger:      logger,
	}
	if redisClient != nil {
		b.mirror = make(chan mirrorEntry, mirrorQueueSize)
		b.done = make(chan struct{})
		go b.mirrorLoop()
	}
	return b
}

// Subscribe 注册进程内订阅者
func (b *Broadcaster) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
}

// Publish 分发一个命名事件
//
// 进程内订阅者同步收到事件；Redis 镜像仅入队，不阻塞调用方。
func (b *Broadcaster) Publish(event string, payload map[string]interface{}) {
	b.mu.Lock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Subscriber panicked",
						zap.String("event", event),
						zap.Any("panic", r),
					)
				}
			}()
			sub(event, payload)
		}()
	}

	if b.mirror == nil {
		return
	}

	// 入队前序列化，入队后调用方再改负载不影响镜像内容
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("Failed to marshal event payload for Redis mirror",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}

	select {
	case b.mirror <- mirrorEntry{event: event, data: string(data), timestamp: time.Now().Unix()}:
	default:
		b.logger.Warn("Redis mirror queue full, event dropped",
			zap.String("stream", b.stream),
			zap.String("event", event),
		)
	}
}

// Close 关闭 Redis 镜像队列并等待剩余事件写完
func (b *Broadcaster) Close() {
	if b.mirror == nil {
		return
	}
	close(b.mirror)
	<-b.done
}

// mirrorLoop 单写入协程：顺序消费队列并写入 Redis Streams
func (b *Broadcaster) mirrorLoop() {
	defer close(b.done)

	for entry := range b.mirror {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := PublishToStream(ctx, b.redisClient, b.stream, map[string]interface{}{
			"event":     entry.event,
			"data":      entry.data,
			"timestamp": entry.timestamp,
		})
		cancel()
		if err != nil {
			b.logger.Warn("Failed to publish event to Redis Streams",
				zap.String("stream", b.stream),
				zap.String("event", entry.event),
				zap.Error(err),
			)
		}
	}
}
