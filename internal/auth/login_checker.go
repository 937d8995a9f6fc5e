package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/coocood/freecache"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

const (
	cacheSize = 10 * 1024 * 1024
	// cached sessions are re-read from redis at least this often
	cacheExpireSeconds = 60
)

// LoginChecker resolves tokens to login sessions, from redis with a local cache in front.
type LoginChecker struct {
	ttl         time.Duration
	redisClient *redis.Client
	cache       *freecache.Cache
	now         func() time.Time
}

func NewLoginChecker(ttl time.Duration, redisClient *redis.Client) *LoginChecker {
	return &LoginChecker{
		ttl:         ttl,
		redisClient: redisClient,
		cache:       freecache.NewCache(cacheSize),
		now:         time.Now,
	}
}

type cachedSession struct {
	UserID       string `json:"u"`
	BackendToken string `json:"b"`
	CreatedAt    int64  `json:"c"`
}

func (lc *LoginChecker) Session(ctx context.Context, token string) (*LoginSession, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}

	session, err := lc.fromCache(token)
	if err != nil {
		session, err = lc.fromRedis(ctx, token)
		if err != nil {
			return nil, err
		}
		lc.toCache(session)
	}

	if lc.now().Sub(session.CreatedAt) > lc.ttl {
		lc.Forget(token)
		return nil, ErrSessionExpired
	}

	return session, nil
}

func (lc *LoginChecker) IsLogged(ctx context.Context, token string) (bool, error) {
	_, err := lc.Session(ctx, token)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Forget drops the token from the local cache, e.g. on logout.
func (lc *LoginChecker) Forget(token string) {
	lc.cache.Del([]byte(token))
}

func (lc *LoginChecker) fromRedis(ctx context.Context, token string) (*LoginSession, error) {
	cmd := lc.redisClient.HGetAll(ctx, sessionKeyPrefix+token)
	if err := cmd.Err(); err != nil {
		return nil, fmt.Errorf("get login session: %w", err)
	}

	fields := cmd.Val()
	if len(fields) == 0 || fields[fieldUserID] == "" {
		return nil, ErrSessionNotFound
	}

	createdAtUnix, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse login session created at: %w", err)
	}

	return &LoginSession{
		Token:        token,
		UserID:       fields[fieldUserID],
		BackendToken: fields[fieldBackendToken],
		CreatedAt:    time.Unix(createdAtUnix, 0),
	}, nil
}

func (lc *LoginChecker) fromCache(token string) (*LoginSession, error) {
	cachedBytes, err := lc.cache.Get([]byte(token))
	if err != nil {
		return nil, err
	}

	var cached cachedSession
	if err := json.Unmarshal(cachedBytes, &cached); err != nil {
		log.Errorf("login checker, unmarshal cached session: %s", err)
		return nil, err
	}

	return &LoginSession{
		Token:        token,
		UserID:       cached.UserID,
		BackendToken: cached.BackendToken,
		CreatedAt:    time.Unix(cached.CreatedAt, 0),
	}, nil
}

func (lc *LoginChecker) toCache(session *LoginSession) {
	cachedBytes, err := json.Marshal(cachedSession{
		UserID:       session.UserID,
		BackendToken: session.BackendToken,
		CreatedAt:    session.CreatedAt.Unix(),
	})
	if err != nil {
		log.Errorf("login checker, marshal session: %s", err)
		return
	}
	if err := lc.cache.Set([]byte(session.Token), cachedBytes, cacheExpireSeconds); err != nil {
		log.Warnf("login checker, cache session: %s", err)
	}
}
