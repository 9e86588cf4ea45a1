// Package messaging carries pool commands and replies between processes.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shrek82/asynpool/config"
	"github.com/shrek82/asynpool/core"
	"github.com/shrek82/asynpool/logger"
)

// ErrBacklogFull is returned by Deliver when the publisher cannot keep up.
var ErrBacklogFull = errors.New("reply backlog full")

// Options tunes a Redis messenger.
type Options struct {
	// Prefix namespaces every key and channel. Defaults to "asynpool".
	Prefix string
	// BlockTimeout bounds one BLPOP round; it is also how long Close may wait
	// for a consumer to notice. Defaults to one second.
	BlockTimeout time.Duration
	// Buffer is the number of replies queued for publishing. Defaults to 1024.
	Buffer int
	Logger logger.Logger
}

// Redis is a core.Messenger over Redis. Commands for a pool are RPUSHed on
// the list "<prefix>:cmd:<pool>" and BLPOPed by the pool that owns it;
// replies are PUBLISHed on "<prefix>:reply:<worker>". Delivery is best
// effort: nothing is acknowledged or redelivered.
type Redis struct {
	client  *redis.Client
	owned   bool
	prefix  string
	block   time.Duration
	log     logger.Logger
	replies chan outgoing

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type outgoing struct {
	channel string
	payload []byte
}

// NewRedis wraps an existing client. The caller keeps ownership of client.
func NewRedis(client *redis.Client, opts Options) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "asynpool"
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewStdLogger()
	}
	r := &Redis{
		client:  client,
		prefix:  opts.Prefix,
		block:   opts.BlockTimeout,
		log:     opts.Logger.WithFields(map[string]any{"component": "redis-messenger"}),
		replies: make(chan outgoing, opts.Buffer),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.publish()
	return r
}

// Dial connects to the server described by cfg and checks it answers.
func Dial(ctx context.Context, cfg config.RedisConfig, log logger.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		ContextTimeoutEnabled: true,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	r := NewRedis(client, Options{Prefix: cfg.Prefix, Logger: log})
	r.owned = true
	return r, nil
}

func (r *Redis) commandKey(pool string) string {
	return r.prefix + ":cmd:" + pool
}

func (r *Redis) replyChannel(worker string) string {
	return r.prefix + ":reply:" + worker
}

func (r *Redis) Attach(pool, worker string, sink core.Sink, owner bool) (func(), error) {
	ctx, cancel := context.WithCancel(r.ctx)
	sub := r.client.Subscribe(ctx, r.replyChannel(worker))
	// wait for the subscription so no reply published after Attach is missed
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.replyChannel(worker), err)
	}

	r.wg.Add(1)
	go r.listen(ctx, sub, sink)
	if owner {
		r.wg.Add(1)
		go r.consume(ctx, pool, sink)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = sub.Close()
		})
	}, nil
}

func (r *Redis) Forward(ctx context.Context, pool string, cmd *core.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return r.client.RPush(ctx, r.commandKey(pool), payload).Err()
}

// Deliver queues reply for the publisher and never blocks.
func (r *Redis) Deliver(_ context.Context, worker string, reply *core.Reply) error {
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	select {
	case r.replies <- outgoing{channel: r.replyChannel(worker), payload: payload}:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Close stops every consumer and the publisher. Replies still queued are dropped.
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
		if r.owned {
			err = r.client.Close()
		}
	})
	return err
}

func (r *Redis) publish() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case o := <-r.replies:
			if err := r.client.Publish(r.ctx, o.channel, o.payload).Err(); err != nil && r.ctx.Err() == nil {
				r.log.Warn("publish on %s: %v", o.channel, err)
			}
		}
	}
}

func (r *Redis) listen(ctx context.Context, sub *redis.PubSub, sink core.Sink) {
	defer r.wg.Done()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var reply core.Reply
			if err := json.Unmarshal([]byte(msg.Payload), &reply); err != nil {
				r.log.Warn("drop malformed reply on %s: %v", msg.Channel, err)
				continue
			}
			sink.Resolve(&reply)
		}
	}
}

func (r *Redis) consume(ctx context.Context, pool string, sink core.Sink) {
	defer r.wg.Done()
	key := r.commandKey(pool)
	for ctx.Err() == nil {
		res, err := r.client.BLPop(ctx, r.block, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("pop %s: %v", key, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.block):
			}
			continue
		}

		// res is [key, value]
		cmd, err := decodeCommand(res[1])
		if err != nil {
			r.log.Warn("drop malformed command on %s: %v", key, err)
			continue
		}
		if err := sink.Enqueue(cmd); err != nil {
			r.log.Warn("enqueue command for %s: %v", pool, err)
			if errors.Is(err, core.ErrPoolClosed) {
				return
			}
		}
	}
}

func decodeCommand(payload string) (*core.Command, error) {
	var cmd core.Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return nil, err
	}
	for i, a := range cmd.Args {
		// JSON has only floats; keep integral arguments integral for the driver
		if f, ok := a.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			cmd.Args[i] = int64(f)
		}
	}
	return &cmd, nil
}
