package chargepoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/charging-platform/ocpp-gateway/internal/metrics"
)

// ErrNotFound 充电桩当前不在线
var ErrNotFound = errors.New("charge point not found")

// Session 注册表中的充电桩会话
type Session interface {
	Identity() string
	ConnectionID() string
	Info() SessionInfo
	// Close 强制关闭会话，必须幂等
	Close(reason string)
}

// SessionInfo 会话只读快照
type SessionInfo struct {
	Identity     string    `json:"identity"`
	State        string    `json:"state"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	ConnectionID string    `json:"connection_id"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
}

// PresenceStore 在线状态镜像存储，记录充电桩由哪个网关实例持有
type PresenceStore interface {
	SetConnection(ctx context.Context, chargePointID, gatewayID, connectionID string, ttl time.Duration) error
	DeleteConnectionIfOwner(ctx context.Context, chargePointID, gatewayID, connectionID string) (bool, error)
}

// RegistryConfig 注册表配置
type RegistryConfig struct {
	PodID             string        `json:"pod_id"`
	PresenceTTL       time.Duration `json:"presence_ttl"`
	PresenceTimeout   time.Duration `json:"presence_timeout"`
	PresenceQueueSize int           `json:"presence_queue_size"`
}

// DefaultRegistryConfig 默认注册表配置
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		PodID:             "gateway-0",
		PresenceTTL:       5 * time.Minute,
		PresenceTimeout:   3 * time.Second,
		PresenceQueueSize: 1024,
	}
}

type presenceOp struct {
	identity     string
	connectionID string
	remove       bool
}

// Registry 连接注册表，每个identity最多一个在线会话，新连接优先
type Registry struct {
	sessions map[string]Session
	mutex    sync.RWMutex

	presence   PresenceStore
	presenceCh chan presenceOp

	config *RegistryConfig

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once

	logger *logger.Logger
}

// NewRegistry 创建注册表，presence可为nil
func NewRegistry(presence PresenceStore, config *RegistryConfig, log *logger.Logger) *Registry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	if log == nil {
		log = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		sessions:   make(map[string]Session),
		presence:   presence,
		presenceCh: make(chan presenceOp, config.PresenceQueueSize),
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
		logger:     log,
	}
}

// Start 启动在线状态镜像协程
func (r *Registry) Start() {
	if r.presence == nil {
		return
	}
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.presenceWorker()
		r.logger.Infof("Connection registry presence mirroring started (pod %s)", r.config.PodID)
	})
}

// Close 停止后台协程，不关闭会话
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}

// Add 注册会话；同一identity已有会话时旧会话在锁外被关闭并返回
func (r *Registry) Add(session Session) Session {
	identity := session.Identity()

	r.mutex.Lock()
	previous := r.sessions[identity]
	r.sessions[identity] = session
	metrics.ActiveConnections.Set(float64(len(r.sessions)))
	r.mutex.Unlock()

	if previous != nil && previous != session {
		r.logger.Warnf("Charge point %s reconnected, evicting connection %s", identity, previous.ConnectionID())
		previous.Close("replaced by a newer connection")
	} else {
		previous = nil
	}

	r.enqueue(presenceOp{identity: identity, connectionID: session.ConnectionID()})
	return previous
}

// Remove 移除identity对应的会话，幂等
func (r *Registry) Remove(identity string) bool {
	r.mutex.Lock()
	session, exists := r.sessions[identity]
	if exists {
		delete(r.sessions, identity)
		metrics.ActiveConnections.Set(float64(len(r.sessions)))
	}
	r.mutex.Unlock()

	if exists {
		r.enqueue(presenceOp{identity: identity, connectionID: session.ConnectionID(), remove: true})
	}
	return exists
}

// Release 仅当注册的仍是该会话时才移除，用于连接自身的清理
func (r *Registry) Release(session Session) bool {
	identity := session.Identity()

	r.mutex.Lock()
	current, exists := r.sessions[identity]
	owned := exists && current.ConnectionID() == session.ConnectionID()
	if owned {
		delete(r.sessions, identity)
		metrics.ActiveConnections.Set(float64(len(r.sessions)))
	}
	r.mutex.Unlock()

	if owned {
		r.enqueue(presenceOp{identity: identity, connectionID: session.ConnectionID(), remove: true})
	}
	return owned
}

// Lookup 查找在线会话
func (r *Registry) Lookup(identity string) (Session, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	session, exists := r.sessions[identity]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	return session, nil
}

// Sessions 返回所有在线会话快照，按identity排序
func (r *Registry) Sessions() []SessionInfo {
	r.mutex.RLock()
	snapshot := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mutex.RUnlock()

	infos := make([]SessionInfo, 0, len(snapshot))
	for _, s := range snapshot {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Identity < infos[j].Identity })
	return infos
}

// Count 在线会话数
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}

// CloseAll 关闭全部会话，用于优雅停机
func (r *Registry) CloseAll(reason string) {
	r.mutex.RLock()
	snapshot := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mutex.RUnlock()

	for _, s := range snapshot {
		s.Close(reason)
	}
}

func (r *Registry) enqueue(op presenceOp) {
	if r.presence == nil {
		return
	}
	select {
	case r.presenceCh <- op:
	default:
		r.logger.Warnf("Presence queue full, dropping update for %s", op.identity)
	}
}

// presenceWorker 串行执行镜像操作，保证同一identity的set/delete顺序
func (r *Registry) presenceWorker() {
	defer r.wg.Done()

	interval := r.config.PresenceTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case op := <-r.presenceCh:
			r.applyPresence(op)
		case <-ticker.C:
			r.refreshPresence()
		}
	}
}

func (r *Registry) applyPresence(op presenceOp) {
	ctx, cancel := context.WithTimeout(r.ctx, r.config.PresenceTimeout)
	defer cancel()

	if op.remove {
		if _, err := r.presence.DeleteConnectionIfOwner(ctx, op.identity, r.config.PodID, op.connectionID); err != nil {
			r.logger.Warnf("Failed to delete presence of %s: %v", op.identity, err)
		}
		return
	}
	if err := r.presence.SetConnection(ctx, op.identity, r.config.PodID, op.connectionID, r.config.PresenceTTL); err != nil {
		r.logger.Warnf("Failed to set presence of %s: %v", op.identity, err)
	}
}

// refreshPresence 续期所有在线会话的键
func (r *Registry) refreshPresence() {
	r.mutex.RLock()
	ops := make([]presenceOp, 0, len(r.sessions))
	for identity, s := range r.sessions {
		ops = append(ops, presenceOp{identity: identity, connectionID: s.ConnectionID()})
	}
	r.mutex.RUnlock()

	for _, op := range ops {
		r.applyPresence(op)
	}
	if len(ops) > 0 {
		r.logger.Debugf("Refreshed presence for %d charge points", len(ops))
	}
}
