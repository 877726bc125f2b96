package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	commonlog "realtime_server/server/common/log"
)

const dispatchChannel = "realtime:dispatch"

// Relay spreads Dispatch commands to every process through redis pub/sub. Each
// process, including the publisher, applies received commands to its own
// connections. When publishing fails the command is applied locally only.
type Relay struct {
	mu        sync.Mutex
	redis     *redis.Client
	local     *ConnectionManager
	sub       *redis.PubSub
	subCancel context.CancelFunc
	done      chan struct{}
}

func NewRelay(client *redis.Client, local *ConnectionManager) *Relay {
	return &Relay{redis: client, local: local}
}

func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.redis == nil {
		return errors.New("redis client is nil")
	}
	if r.sub != nil {
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := r.redis.Subscribe(subCtx, dispatchChannel)
	if _, err := sub.Receive(subCtx); err != nil {
		cancel()
		_ = sub.Close()
		return err
	}
	r.sub = sub
	r.subCancel = cancel
	r.done = make(chan struct{})

	go r.consume(subCtx, sub, r.done)
	return nil
}

func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subCancel != nil {
		r.subCancel()
		r.subCancel = nil
	}
	if r.sub != nil {
		_ = r.sub.Close()
		r.sub = nil
	}
	if r.done != nil {
		<-r.done
		r.done = nil
	}
}

func (r *Relay) Dispatch(ctx context.Context, d Dispatch) (DispatchResult, error) {
	if err := d.Validate(); err != nil {
		return DispatchResult{}, err
	}
	b, err := json.Marshal(d)
	if err != nil {
		return DispatchResult{}, err
	}
	if err := r.redis.Publish(ctx, dispatchChannel, b).Err(); err != nil {
		commonlog.Warnf("event=realtime_relay action=publish status=failed target=%s id=%s error=%v", d.Target, d.ID, err)
		res, applyErr := r.local.Dispatch(ctx, d)
		commonlog.Infof("event=realtime_relay action=fallback_dispatch target=%s id=%s delivered=%t", d.Target, d.ID, res.Delivered)
		return res, applyErr
	}
	commonlog.Debugf("event=realtime_relay action=publish status=ok target=%s id=%s event_type=%s", d.Target, d.ID, d.Event)
	return DispatchResult{Relayed: true}, nil
}

func (r *Relay) consume(ctx context.Context, sub *redis.PubSub, done chan struct{}) {
	defer close(done)
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		r.apply([]byte(msg.Payload))
	}
}

func (r *Relay) apply(payload []byte) {
	var d Dispatch
	if err := json.Unmarshal(payload, &d); err != nil {
		commonlog.Warnf("event=realtime_relay action=consume status=failed error=%v", err)
		return
	}
	delivered, err := r.local.Apply(d)
	if err != nil {
		commonlog.Warnf("event=realtime_relay action=consume status=failed target=%s id=%s error=%v", d.Target, d.ID, err)
		return
	}
	commonlog.Debugf("event=realtime_relay action=consume status=ok target=%s id=%s delivered=%t", d.Target, d.ID, delivered)
}
