package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/cync-lan/cync-lan/internal/protocol"
)

// CommandResult is the outcome of one tracked command, delivered to the
// completion callback exactly once: either the first ack or expiry.
type CommandResult struct {
	MsgID    uint32
	DeviceID int
	Action   string
	TimedOut bool
	Latency  time.Duration
	Status   byte

	// BridgeID is the pool device id whose ack resolved the command,
	// 0 on timeout. The refresh controller targets it for the
	// post-command snapshot.
	BridgeID int
}

// pendingCommand is one in-flight command awaiting its ack.
type pendingCommand struct {
	msgID    uint32
	deviceID int
	action   string
	sentAt   time.Time
	done     func(CommandResult)
	once     sync.Once
}

// fire delivers the result at most once. Commands are dispatched to
// multiple bridges with the same msg id, so duplicate acks are expected
// and must collapse to a single completion.
func (p *pendingCommand) fire(res CommandResult) {
	p.once.Do(func() {
		if p.done != nil {
			p.done(res)
		}
	})
}

// Correlator matches command acks to in-flight commands and expires
// commands that receive no ack within the ack timeout.
//
// The pending table is a TTL cache: entries inserted on dispatch live
// for the ack window, the eviction callback turns expiry into a timeout
// result, and an explicit delete on ack suppresses it.
//
// Thread Safety: safe for concurrent use.
type Correlator struct {
	cache *ttlcache.Cache[uint32, *pendingCommand]
	msgID atomic.Uint32
}

// NewCorrelator creates a correlator with the given ack timeout and
// starts its expiry loop. Call Stop on shutdown.
func NewCorrelator(ackTimeout time.Duration) *Correlator {
	c := &Correlator{
		cache: ttlcache.New[uint32, *pendingCommand](
			ttlcache.WithTTL[uint32, *pendingCommand](ackTimeout),
			ttlcache.WithDisableTouchOnHit[uint32, *pendingCommand](),
		),
	}

	c.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint32, *pendingCommand]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		p := item.Value()
		p.fire(CommandResult{
			MsgID:    p.msgID,
			DeviceID: p.deviceID,
			Action:   p.action,
			TimedOut: true,
			Latency:  time.Since(p.sentAt),
		})
	})

	go c.cache.Start()
	return c
}

// NextMsgID returns a fresh 24-bit message id. A single counter serves
// all bridges so an id is unique across concurrent dispatches.
func (c *Correlator) NextMsgID() uint32 {
	return c.msgID.Add(1) & 0xFFFFFF
}

// Track registers an in-flight command. done is invoked exactly once
// with the first ack or, failing that, a timeout result.
func (c *Correlator) Track(msgID uint32, deviceID int, action string, done func(CommandResult)) {
	c.cache.Set(msgID, &pendingCommand{
		msgID:    msgID,
		deviceID: deviceID,
		action:   action,
		sentAt:   time.Now(),
		done:     done,
	}, ttlcache.DefaultTTL)
}

// Resolve matches an ack against the pending table, returning the
// dispatch-to-ack latency. bridgeID names the connection the ack came
// in on. ok is false for acks with no pending entry (duplicates after
// the first, or acks arriving after expiry).
func (c *Correlator) Resolve(bridgeID int, ack protocol.CommandAck) (latency time.Duration, ok bool) {
	item := c.cache.Get(ack.MsgID)
	if item == nil {
		return 0, false
	}
	p := item.Value()
	latency = time.Since(p.sentAt)
	p.fire(CommandResult{
		MsgID:    p.msgID,
		DeviceID: p.deviceID,
		Action:   p.action,
		Latency:  latency,
		Status:   ack.Status,
		BridgeID: bridgeID,
	})
	c.cache.Delete(ack.MsgID)
	return latency, true
}

// Cancel drops a tracked command without firing its callback. Used when
// dispatch fails on every selected bridge after Track.
func (c *Correlator) Cancel(msgID uint32) {
	c.cache.Delete(msgID)
}

// Pending returns the number of in-flight commands.
func (c *Correlator) Pending() int {
	return c.cache.Len()
}

// Stop shuts down the expiry loop. In-flight entries are dropped
// without firing their callbacks.
func (c *Correlator) Stop() {
	c.cache.Stop()
	c.cache.DeleteAll()
}
