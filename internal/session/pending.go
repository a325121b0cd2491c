package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Batch collects several hash/TTL writes for a single pipelined commit — the
// Redis analogue of the teacher's PendingWrites-then-MultiUpdate idiom
// (items/pending_writes.go), adapted here because Redis has no atomic
// multi-key-multi-command primitive of its own: a pipeline at least
// collapses the writes into one round trip, even though (unlike the
// teacher's nk.MultiUpdate or the Lua scripts in internal/kv) it is not atomic across
// keys. Every Batch user in this package only ever writes brand-new keys (a
// freshly minted room's own hashes), so partial application has no
// observable inconsistency to produce.
type Batch struct {
	ctx context.Context
	ops []func(redis.Pipeliner)
}

// NewBatch returns an empty Batch bound to ctx.
func NewBatch(ctx context.Context) *Batch { return &Batch{ctx: ctx} }

// HSet queues a hash write.
func (b *Batch) HSet(key string, fields map[string]interface{}) *Batch {
	b.ops = append(b.ops, func(p redis.Pipeliner) { p.HSet(b.ctx, key, fields) })
	return b
}

// Expire queues a TTL refresh.
func (b *Batch) Expire(key string, ttl time.Duration) *Batch {
	b.ops = append(b.ops, func(p redis.Pipeliner) { p.Expire(b.ctx, key, ttl) })
	return b
}

func (b *Batch) commit(pipe redis.Pipeliner) error {
	for _, op := range b.ops {
		op(pipe)
	}
	return nil
}
