package ws

import (
	"encoding/json"
	"hash/fnv"
	"sync"

	"github.com/adamanteye/veloquent-core/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Conn 是 Hub 眼中的一条出站连接。
type Conn interface {
	Push(data []byte) error
}

const shardCount = 32

// Hub 维护 user -> 连接 的进程级注册表。分片锁让 Notify 的延迟
// 不随注册表大小与并发量退化。
type Hub struct {
	shards [shardCount]*shard
}

type shard struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]Conn
}

func NewHub() *Hub {
	h := &Hub{}
	for i := range h.shards {
		h.shards[i] = &shard{conns: make(map[uuid.UUID]Conn)}
	}
	return h
}

func (h *Hub) shardFor(user uuid.UUID) *shard {
	f := fnv.New32a()
	f.Write(user[:])
	return h.shards[f.Sum32()%shardCount]
}

// Register 登记用户的连接，同一用户的旧连接直接被替换，
// 每个用户最多保留一条活跃连接。
func (h *Hub) Register(user uuid.UUID, c Conn) {
	s := h.shardFor(user)
	s.mu.Lock()
	s.conns[user] = c
	s.mu.Unlock()
	log.Info().Stringer("user", user).Msg("register websocket")
}

// Notify 向用户推送一条通知。用户不在线则直接丢弃，未读计数是
// 错过通知后的持久兜底；发送失败只记日志，不向调用方传播。
func (h *Hub) Notify(user uuid.UUID, n Notification) {
	s := h.shardFor(user)
	s.mu.RLock()
	c := s.conns[user]
	s.mu.RUnlock()
	if c == nil {
		metrics.NotificationsDropped.Inc()
		return
	}
	b, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Str("type", n.Type).Msg("marshal notification")
		return
	}
	if err := c.Push(b); err != nil {
		metrics.NotificationsDropped.Inc()
		log.Warn().Err(err).Stringer("user", user).Str("type", n.Type).Msg("push notification")
		return
	}
	metrics.NotificationsSent.Inc()
}

// Online 返回注册表中的条目数，含未清理的失效连接。
func (h *Hub) Online() int {
	total := 0
	for _, s := range h.shards {
		s.mu.RLock()
		total += len(s.conns)
		s.mu.RUnlock()
	}
	return total
}
