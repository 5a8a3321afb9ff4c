package chat

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// RedisTransport fans changes out between processes over redis pub/sub. It
// is both a Transport and a Publisher.
type RedisTransport struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisTransport uses rdb with channel names prefixed by prefix.
func NewRedisTransport(rdb *redis.Client, prefix string) *RedisTransport {
	return &RedisTransport{rdb: rdb, prefix: prefix}
}

func (t *RedisTransport) channel(topic string) string {
	return t.prefix + topic
}

// Publish sends c to every subscriber of topic in any process.
func (t *RedisTransport) Publish(ctx context.Context, topic string, c Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode change")
	}
	if err := t.rdb.Publish(ctx, t.channel(topic), data).Err(); err != nil {
		return transient("redis publish "+topic, err)
	}
	return nil
}

// Subscribe opens a feed of topic filtered to tables. The feed ends with an
// error when the redis connection is re-established, since messages
// published in between are lost.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string, tables ...string) (Subscription, error) {
	ps := t.rdb.Subscribe(ctx, t.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, transient("redis subscribe "+topic, err)
	}

	s := &redisSubscription{
		topic:   topic,
		ps:      ps,
		changes: make(chan Change, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if len(tables) > 0 {
		s.tables = make(map[string]struct{}, len(tables))
		for _, tbl := range tables {
			s.tables[tbl] = struct{}{}
		}
	}
	go s.readLoop(ps.ChannelWithSubscriptions(ctx, 64))
	return s, nil
}

type redisSubscription struct {
	topic   string
	ps      *redis.PubSub
	tables  map[string]struct{}
	changes chan Change
	stop    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	err     error
	closing bool
}

func (s *redisSubscription) Changes() <-chan Change { return s.changes }

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		close(s.stop)
	}
	s.mu.Unlock()
	err := s.ps.Close()
	<-s.done
	return err
}

func (s *redisSubscription) fail(err error) {
	s.mu.Lock()
	if !s.closing && s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *redisSubscription) readLoop(in <-chan interface{}) {
	defer func() {
		close(s.changes)
		close(s.done)
	}()

	for msg := range in {
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				s.fail(transient("redis subscription of "+s.topic, errors.New("connection was re-established")))
				s.ps.Close()
				continue
			}
		case *redis.Message:
			var c Change
			if err := json.Unmarshal([]byte(m.Payload), &c); err != nil {
				jww.WARN.Printf("[realtime] undecodable change on %s: %v", s.topic, err)
				continue
			}
			if s.tables != nil {
				if _, ok := s.tables[c.Table]; !ok {
					continue
				}
			}
			select {
			case s.changes <- c:
			case <-s.stop:
				return
			}
		}
	}

	s.mu.Lock()
	if !s.closing && s.err == nil {
		s.err = transient("redis subscription of "+s.topic, errors.New("channel closed"))
	}
	s.mu.Unlock()
}
