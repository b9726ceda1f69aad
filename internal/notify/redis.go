package notify

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
)

const channelPrefix = "crucible.session."

// RedisChannel is a Channel + Publisher backed by Redis pub/sub, for
// deployments where writers live in different processes.
type RedisChannel struct {
	pool *redis.Pool
}

// NewRedisChannel connects a pub/sub channel to the given Redis address.
func NewRedisChannel(addr string) *RedisChannel {
	return &RedisChannel{
		pool: &redis.Pool{
			MaxIdle:     4,
			IdleTimeout: 240 * time.Second,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
	}
}

type redisSubscription struct {
	psc  redis.PubSubConn
	done chan struct{}
}

func (s *redisSubscription) Unsubscribe() error {
	close(s.done)
	return s.psc.Close()
}

// Subscribe listens for events published to the session's Redis channel.
// The receive loop runs until Unsubscribe closes the connection.
func (c *RedisChannel) Subscribe(sessionID string, h Handler) (Subscription, error) {
	conn := c.pool.Get()
	psc := redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(channelPrefix + sessionID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", sessionID, err)
	}

	sub := &redisSubscription{psc: psc, done: make(chan struct{})}
	go func() {
		for {
			switch msg := psc.Receive().(type) {
			case redis.Message:
				var ev Event
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					log.Warn().Err(err).Str("sessionId", sessionID).Msg("Malformed sync event dropped")
					continue
				}
				h(ev)
			case error:
				select {
				case <-sub.done:
					// closed by Unsubscribe
				default:
					log.Error().Err(msg).Str("sessionId", sessionID).Msg("Redis subscription lost")
				}
				return
			}
		}
	}()
	return sub, nil
}

// Publish sends the event to the session's Redis channel.
func (c *RedisChannel) Publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	conn := c.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PUBLISH", channelPrefix+ev.SessionID, payload); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.SessionID, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *RedisChannel) Close() error {
	return c.pool.Close()
}
