package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/image-classify/internal/classify"
	"github.com/example/image-classify/internal/logging"
)

func resultCacheKey(modelVersion, imageSHA1 string) string {
	return fmt.Sprintf("classification:%s:%s", modelVersion, imageSHA1)
}

// cachedResults looks up shaped results for an image already classified by
// this model version. Any cache trouble is treated as a miss.
func (s *Session) cachedResults(ctx context.Context, modelVersion, imageSHA1, requestID string) ([]classify.RankedLabel, bool) {
	if s.cache == nil {
		return nil, false
	}

	key := resultCacheKey(modelVersion, imageSHA1)
	payload, err := s.withRedisGet(ctx, requestID, "cache.get.results", key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(s.logger, "cache.get.results", requestID).
				Warn("failed to read result cache", zap.Error(err))
		}
		return nil, false
	}

	var results []classify.RankedLabel
	if err := json.Unmarshal([]byte(payload), &results); err != nil {
		logging.WithOperation(s.logger, "cache.get.results", requestID).
			Warn("failed to decode cached results", zap.Error(err))
		return nil, false
	}
	if len(results) == 0 {
		return nil, false
	}
	return results, true
}

// storeResults caches shaped results best-effort; a failed write only logs.
func (s *Session) storeResults(ctx context.Context, modelVersion, imageSHA1, requestID string, results []classify.RankedLabel) {
	if s.cache == nil {
		return
	}

	serialized, err := json.Marshal(results)
	if err != nil {
		logging.WithOperation(s.logger, "cache.set.results", requestID).
			Warn("failed to serialize results", zap.Error(err))
		return
	}

	key := resultCacheKey(modelVersion, imageSHA1)
	if err := s.withRedisRetry(ctx, requestID, "cache.set.results", func() error {
		return s.cache.Set(ctx, key, string(serialized), s.cacheTTL)
	}); err != nil {
		logging.WithOperation(s.logger, "cache.set.results", requestID).
			Warn("failed to cache results", zap.Error(err))
	}
}

func (s *Session) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if s.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
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

		if !logging.IsTransientError(err) || attempt == s.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (s *Session) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := s.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := s.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
