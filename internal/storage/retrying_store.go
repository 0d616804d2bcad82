package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/business/transaction"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/charging-platform/ocpp-gateway/internal/metrics"
	"golang.org/x/time/rate"
)

var (
	// ErrRetryQueueFull 重试队列已满，交易未能入队
	ErrRetryQueueFull = errors.New("persistence retry queue full")
	// ErrStoreClosed 存储已关闭
	ErrStoreClosed = errors.New("transaction store closed")
)

// RetryConfig 重试存储配置
type RetryConfig struct {
	QueueSize     int           `json:"queue_size"`
	RetryInterval time.Duration `json:"retry_interval"`
	MaxRetries    int           `json:"max_retries"`
	// 每秒最多写入次数
	RatePerSecond float64       `json:"rate_per_second"`
	WriteTimeout  time.Duration `json:"write_timeout"`
}

// DefaultRetryConfig 默认重试配置
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		QueueSize:     1024,
		RetryInterval: 2 * time.Second,
		MaxRetries:    10,
		RatePerSecond: 20,
		WriteTimeout:  5 * time.Second,
	}
}

type pendingSave struct {
	tx       transaction.Transaction
	attempts int
	notAfter time.Time
}

// RetryingTransactionStore 写入全部交给后台协程，首次写入与失败重试都受限速控制，调用方从不等待数据库
type RetryingTransactionStore struct {
	inner   transaction.Store
	queue   chan pendingSave
	limiter *rate.Limiter
	config  *RetryConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	closed chan struct{}

	logger *logger.Logger
}

var _ transaction.Store = (*RetryingTransactionStore)(nil)

// NewRetryingTransactionStore 创建并启动重试存储
func NewRetryingTransactionStore(inner transaction.Store, config *RetryConfig, log *logger.Logger) *RetryingTransactionStore {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if log == nil {
		log = logger.Nop()
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RetryingTransactionStore{
		inner:   inner,
		queue:   make(chan pendingSave, config.QueueSize),
		limiter: rate.NewLimiter(limit, 1),
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
		logger:  log,
	}

	s.wg.Add(1)
	go s.retryWorker()
	return s
}

// SaveTransaction 只入队不写库，仅在队列已满或存储已关闭时返回错误
func (s *RetryingTransactionStore) SaveTransaction(_ context.Context, tx transaction.Transaction) error {
	if err := s.enqueue(pendingSave{tx: tx}); err != nil {
		s.logger.Errorf("Transaction %d will not be persisted: %v", tx.ID, err)
		return err
	}
	return nil
}

// Pending 等待重试的数量
func (s *RetryingTransactionStore) Pending() int {
	return len(s.queue)
}

// Close 停止接收新任务，在ctx截止前尽量写完队列
func (s *RetryingTransactionStore) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.closed) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *RetryingTransactionStore) enqueue(item pendingSave) error {
	select {
	case <-s.closed:
		return ErrStoreClosed
	default:
	}

	select {
	case s.queue <- item:
		return nil
	default:
		return ErrRetryQueueFull
	}
}

func (s *RetryingTransactionStore) retryWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.queue:
			s.retry(item)
		case <-s.closed:
			// 排空剩余任务，不再等待重试间隔
			for {
				select {
				case item := <-s.queue:
					item.notAfter = time.Time{}
					s.retry(item)
				case <-s.ctx.Done():
					return
				default:
					return
				}
			}
		}
	}
}

func (s *RetryingTransactionStore) retry(item pendingSave) {
	if wait := time.Until(item.notAfter); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.closed:
			timer.Stop()
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}

	if err := s.limiter.Wait(s.ctx); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.WriteTimeout)
	err := s.inner.SaveTransaction(ctx, item.tx)
	cancel()
	if err == nil {
		if item.attempts > 0 {
			s.logger.Infof("Transaction %d persisted after %d retries", item.tx.ID, item.attempts)
		}
		return
	}

	metrics.PersistenceFailures.Inc()
	item.attempts++
	if item.attempts == 1 {
		s.logger.Warnf("Transaction %d persistence failed, retrying: %v", item.tx.ID, err)
	}
	if item.attempts > s.config.MaxRetries {
		s.logger.Errorf("Giving up on transaction %d after %d attempts: %v", item.tx.ID, item.attempts, err)
		return
	}

	item.notAfter = time.Now().Add(s.config.RetryInterval)
	select {
	case s.queue <- item:
	default:
		s.logger.Errorf("Retry queue full, dropping transaction %d: %v", item.tx.ID, err)
	}
}
