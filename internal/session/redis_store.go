package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ekyc/internal/logging"
)

// RedisStore keeps session state as JSON values in Redis. Transient Redis
// failures are retried with exponential backoff.
type RedisStore struct {
	cache          Cache
	namespace      string
	ttl            time.Duration
	lockTTL        time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRedisStore creates a store whose keys live under namespace.
func NewRedisStore(cache Cache, namespace string, ttl, lockTTL time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		cache:          cache,
		namespace:      namespace,
		ttl:            ttl,
		lockTTL:        lockTTL,
		logger:         logger.Named("session_store"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func (s *RedisStore) stateKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.namespace, id)
}

func (s *RedisStore) lockKey(id string) string {
	return fmt.Sprintf("%s:session:%s:lock", s.namespace, id)
}

func (s *RedisStore) Create(ctx context.Context, state *State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return logging.NewOperationError("session.create", state.ID, err)
	}
	var created bool
	if err := s.withRetry(ctx, state.ID, "cache.setnx.session", func() error {
		ok, err := s.cache.SetNX(ctx, s.stateKey(state.ID), string(payload), s.ttl)
		created = ok
		return err
	}); err != nil {
		return err
	}
	if !created {
		return logging.NewOperationError("session.create", state.ID, errors.New("session already exists"))
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*State, error) {
	var raw string
	err := s.withRetry(ctx, id, "cache.get.session", func() error {
		value, err := s.cache.Get(ctx, s.stateKey(id))
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, logging.NewOperationError("session.get", id, logging.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		logging.WithOperation(s.logger, "session.get", id).Warn("failed to decode session", zap.Error(err))
		return nil, logging.NewOperationError("session.get", id, err)
	}
	return &state, nil
}

func (s *RedisStore) Save(ctx context.Context, state *State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return logging.NewOperationError("session.save", state.ID, err)
	}
	return s.withRetry(ctx, state.ID, "cache.set.session", func() error {
		return s.cache.Set(ctx, s.stateKey(state.ID), string(payload), s.ttl)
	})
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.withRetry(ctx, id, "cache.del.session", func() error {
		return s.cache.Del(ctx, s.stateKey(id))
	})
}

// Lock sets a lease key holding a random token. The lease expires on its own
// after lockTTL, so a crashed holder cannot wedge the session.
func (s *RedisStore) Lock(ctx context.Context, id string) (func(), error) {
	token := uuid.NewString()
	var acquired bool
	if err := s.withRetry(ctx, id, "cache.setnx.lock", func() error {
		ok, err := s.cache.SetNX(ctx, s.lockKey(id), token, s.lockTTL)
		acquired = ok
		return err
	}); err != nil {
		return nil, err
	}
	if !acquired {
		return nil, logging.NewOperationError("session.lock", id, logging.ErrInFlight)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.withRetry(releaseCtx, id, "cache.release.lock", func() error {
			return s.cache.CompareAndDelete(releaseCtx, s.lockKey(id), token)
		}); err != nil {
			logging.WithOperation(s.logger, "session.unlock", id).Warn("failed to release lock", zap.Error(err))
		}
	}, nil
}

func (s *RedisStore) withRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if s.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !isTransientError(err) || attempt == s.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
