package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/converse-relay/config"
	"github.com/room4-2/converse-relay/messages"
	"github.com/room4-2/converse-relay/relay"
)

const (
	activeSessionsKey = "active_sessions"
	redisOpTimeout    = 2 * time.Second
)

// ErrMaxSessions is returned when the session limit is reached
var ErrMaxSessions = errors.New("maximum sessions reached")

// Manager manages all call sessions
type Manager struct {
	sessions  map[string]*CallSession
	mu        sync.RWMutex
	redis     *redis.Client
	config    *config.Config
	newRunner RunnerFactory
	logger    *slog.Logger
}

// NewManager creates a session manager with an optional Redis mirror
func NewManager(cfg *config.Config, newRunner RunnerFactory, logger *slog.Logger) (*Manager, error) {
	if newRunner == nil {
		return nil, errors.New("session manager needs a runner factory")
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Try to connect to Redis, but don't fail if unavailable
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, sessions kept in memory only", "addr", cfg.RedisURL, "error", err)
		_ = redisClient.Close()
		redisClient = nil
	}

	return &Manager{
		sessions:  make(map[string]*CallSession),
		redis:     redisClient,
		config:    cfg,
		newRunner: newRunner,
		logger:    logger,
	}, nil
}

func sessionKey(id string) string {
	return "session:" + id
}

// CreateSession creates a call session on a connected relay socket
func (sm *Manager) CreateSession(ctx context.Context, conn relay.Conn) (*CallSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()
	session := NewCallSession(sessionID, conn, sm.newRunner, Options{
		Logger:        sm.logger,
		OnStateChange: sm.recordState,
		OnSetup:       sm.recordSetup,
	})

	sm.storeSession(ctx, sessionID, session)
	return session, nil
}

// storeSession saves a session to memory and Redis
func (sm *Manager) storeSession(ctx context.Context, sessionID string, session *CallSession) {
	sm.sessions[sessionID] = session

	if sm.redis != nil {
		key := sessionKey(sessionID)
		pipe := sm.redis.TxPipeline()
		pipe.HSet(ctx, key, map[string]interface{}{
			"created_at":    session.CreatedAt.Format(time.RFC3339),
			"last_activity": session.LastActivity().Format(time.RFC3339),
			"status":        "active",
			"state":         session.State().String(),
		})
		pipe.SAdd(ctx, activeSessionsKey, sessionID)
		pipe.Expire(ctx, key, sm.config.SessionTimeout)
		if _, err := pipe.Exec(ctx); err != nil {
			sm.logger.Warn("redis session write failed", "session", sessionID, "error", err)
		}
	}
}

// recordState mirrors state changes; it runs on session goroutines and never takes sm.mu
func (sm *Manager) recordState(cs *CallSession, state State) {
	if sm.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	key := sessionKey(cs.ID)
	fields := map[string]interface{}{
		"state":         state.String(),
		"last_activity": cs.LastActivity().Format(time.RFC3339),
	}
	if state == StateEnded {
		fields["status"] = "ended"
	}
	if err := sm.redis.HSet(ctx, key, fields).Err(); err != nil {
		sm.logger.Debug("redis state write failed", "session", cs.ID, "error", err)
		return
	}
	sm.redis.Expire(ctx, key, sm.config.SessionTimeout)
}

func (sm *Manager) recordSetup(cs *CallSession, setup messages.SetupEvent) {
	if sm.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	err := sm.redis.HSet(ctx, sessionKey(cs.ID), map[string]interface{}{
		"call_sid":  setup.CallSid,
		"from":      setup.From,
		"to":        setup.To,
		"direction": setup.Direction,
	}).Err()
	if err != nil {
		sm.logger.Debug("redis setup write failed", "session", cs.ID, "error", err)
	}
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*CallSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, exists := sm.sessions[sessionID]
	if !exists {
		return nil
	}

	session.Close()
	delete(sm.sessions, sessionID)
	return sm.forget(ctx, sessionID)
}

func (sm *Manager) forget(ctx context.Context, sessionID string) error {
	if sm.redis == nil {
		return nil
	}
	pipe := sm.redis.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.SRem(ctx, activeSessionsKey, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions whose caller has been silent past the timeout
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	for id, session := range sm.sessions {
		if now.Sub(session.LastActivity()) > sm.config.SessionTimeout {
			sm.logger.Info("closing inactive session", "session", id)
			session.Close()
			delete(sm.sessions, id)

			if err := sm.forget(ctx, id); err != nil {
				sm.logger.Warn("redis cleanup failed", "session", id, "error", err)
			}
		}
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for id, session := range sm.sessions {
		session.Close()
		delete(sm.sessions, id)
		_ = sm.forget(ctx, id)
	}

	if sm.redis != nil {
		sm.redis.Close()
	}
}
