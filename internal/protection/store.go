package protection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"binance-grid-bot/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	stateKeyPrefix = "protection:state:%s"
	stateTTL       = 7 * 24 * time.Hour
)

// Store persists protection state to Redis with graceful degradation: when
// Redis is unavailable the latest state is kept in memory so the running
// process never loses it, and persistence resumes once Redis recovers.
type Store struct {
	client *redis.Client
	symbol string
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	memory       *State // last saved state, fallback copy

	maxFailures int
}

// NewStore connects to Redis. A failed initial connection returns a store
// in degraded mode, not an error.
func NewStore(cfg config.RedisConfig, symbol string, logger zerolog.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Store{
		client:      client,
		symbol:      symbol,
		logger:      logger.With().Str("component", "protection-store").Logger(),
		maxFailures: 3,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("initial redis connection failed, running degraded")
		return s
	}
	s.healthy = true
	s.logger.Info().Str("address", cfg.Address).Msg("redis connected")
	return s
}

func (s *Store) key() string {
	return fmt.Sprintf(stateKeyPrefix, s.symbol)
}

func (s *Store) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.logger.Warn().Int("failures", s.failureCount).Msg("redis marked unhealthy")
		s.healthy = false
	}
}

func (s *Store) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		s.logger.Info().Msg("redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
}

// Healthy reports whether Redis is currently usable.
func (s *Store) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// Save writes the state atomically: the JSON record and its TTL go through
// one transaction pipeline. The in-memory copy is always updated first so a
// Redis outage cannot lose the latest state within this process.
func (s *Store) Save(ctx context.Context, state *State) error {
	copied := *state
	s.mu.Lock()
	s.memory = &copied
	s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal protection state: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(), data, stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.recordFailure()
		return fmt.Errorf("persist protection state: %w", err)
	}
	s.recordSuccess()
	return nil
}

// Load returns the persisted state, preferring Redis and falling back to
// the in-memory copy. A nil state with nil error means nothing was ever
// saved (fresh start).
func (s *Store) Load(ctx context.Context) (*State, error) {
	data, err := s.client.Get(ctx, s.key()).Bytes()
	if err == nil {
		s.recordSuccess()
		var state State
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("unmarshal protection state: %w", err)
		}
		return &state, nil
	}
	if err == redis.Nil {
		s.recordSuccess()
		return s.memoryCopy(), nil
	}

	s.recordFailure()
	if m := s.memoryCopy(); m != nil {
		s.logger.Warn().Err(err).Msg("redis load failed, using in-memory state")
		return m, nil
	}
	return nil, fmt.Errorf("load protection state: %w", err)
}

func (s *Store) memoryCopy() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.memory == nil {
		return nil
	}
	copied := *s.memory
	return &copied
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
