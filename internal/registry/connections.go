// Package registry is the process-wide directory of open connections and
// their channel subscriptions.
package registry

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/stomp_poc/internal/stomp"
	"github.com/cespare/xxhash/v2"
)

// NoSender is passed to Broadcast when no connection should be skipped.
const NoSender int64 = -1

const shardCount = 64

// Handle is a send-capable target registered for one connection.
type Handle interface {
	Send(f *stomp.Frame) error
}

// Subscriber is one member of a channel.
type Subscriber struct {
	ConnID int64
	SubID  string
}

// channelShard holds the subscriber lists of the channels hashed to it.
// Lists are immutable once published; writers replace them under mu and
// readers load the pointer without locking.
type channelShard struct {
	mu       sync.Mutex
	channels map[string]*atomic.Pointer[[]Subscriber]
}

// connEntry is the connection→channels view of one connection.
type connEntry struct {
	mu       sync.Mutex
	channels map[string]string // channel -> subscription id
	gone     bool              // set by Disconnect
}

// Connections keeps three views consistent: connection→handle,
// channel→subscribers and connection→channels. All methods are safe for
// concurrent use; unknown ids and channels are no-ops.
type Connections struct {
	handles sync.Map // int64 -> Handle
	conns   sync.Map // int64 -> *connEntry
	shards  [shardCount]channelShard

	messageID     atomic.Uint64
	subscriptions atomic.Int64
}

// New returns an empty registry.
func New() *Connections {
	c := &Connections{}
	for i := range c.shards {
		c.shards[i].channels = make(map[string]*atomic.Pointer[[]Subscriber])
	}
	return c
}

func (c *Connections) shard(channel string) *channelShard {
	return &c.shards[xxhash.Sum64String(channel)%shardCount]
}

// Connect registers a send target. An existing handle for id is replaced.
func (c *Connections) Connect(id int64, h Handle) {
	c.handles.Store(id, h)
	c.conns.LoadOrStore(id, &connEntry{channels: make(map[string]string)})
}

// Disconnect removes the send target of id and every subscription it holds.
// A broadcast already in flight may still reach the connection once.
func (c *Connections) Disconnect(id int64) {
	c.handles.Delete(id)

	v, ok := c.conns.LoadAndDelete(id)
	if !ok {
		return
	}
	e := v.(*connEntry)
	e.mu.Lock()
	channels := e.channels
	e.channels = map[string]string{}
	e.gone = true
	e.mu.Unlock()

	for channel := range channels {
		if c.removeSubscriber(channel, func(s Subscriber) bool { return s.ConnID == id }) {
			c.subscriptions.Add(-1)
		}
	}
}

// Subscribe adds (connID, subID) to channel. It returns false and changes
// nothing when connID is unknown or already a subscriber of channel.
func (c *Connections) Subscribe(channel string, connID int64, subID string) bool {
	v, ok := c.conns.Load(connID)
	if !ok {
		return false
	}
	e := v.(*connEntry)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gone {
		return false
	}
	if _, dup := e.channels[channel]; dup {
		return false
	}

	sh := c.shard(channel)
	sh.mu.Lock()
	ptr, ok := sh.channels[channel]
	if !ok {
		ptr = &atomic.Pointer[[]Subscriber]{}
		sh.channels[channel] = ptr
	}
	var cur []Subscriber
	if p := ptr.Load(); p != nil {
		cur = *p
	}
	for _, s := range cur {
		if s.ConnID == connID {
			sh.mu.Unlock()
			return false
		}
	}
	next := make([]Subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, Subscriber{ConnID: connID, SubID: subID})
	ptr.Store(&next)
	sh.mu.Unlock()

	e.channels[channel] = subID
	c.subscriptions.Add(1)
	return true
}

// Unsubscribe removes the entry of channel matching both connID and subID.
// It reports whether such an entry existed.
func (c *Connections) Unsubscribe(channel string, connID int64, subID string) bool {
	v, ok := c.conns.Load(connID)
	if !ok {
		return false
	}
	e := v.(*connEntry)
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := c.removeSubscriber(channel, func(s Subscriber) bool {
		return s.ConnID == connID && s.SubID == subID
	})
	if removed {
		delete(e.channels, channel)
		c.subscriptions.Add(-1)
	}
	return removed
}

// removeSubscriber publishes a copy of channel's list without the entries
// matching match. Empty lists are dropped from the shard.
func (c *Connections) removeSubscriber(channel string, match func(Subscriber) bool) bool {
	sh := c.shard(channel)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ptr, ok := sh.channels[channel]
	if !ok {
		return false
	}
	cur := *ptr.Load()
	next := make([]Subscriber, 0, len(cur))
	for _, s := range cur {
		if !match(s) {
			next = append(next, s)
		}
	}
	if len(next) == len(cur) {
		return false
	}
	if len(next) == 0 {
		delete(sh.channels, channel)
	}
	ptr.Store(&next)
	return true
}

// Send delivers f to connID. It returns false when the connection is not
// registered or its handle failed to accept the frame.
func (c *Connections) Send(connID int64, f *stomp.Frame) bool {
	v, ok := c.handles.Load(connID)
	if !ok {
		return false
	}
	return v.(Handle).Send(f) == nil
}

// Broadcast sends body to every subscriber of channel except from. Each
// copy carries the receiver's subscription id and a fresh message id.
// It returns the number of successful deliveries.
func (c *Connections) Broadcast(channel, body string, from int64) int {
	delivered := 0
	for _, s := range c.Subscribers(channel) {
		if s.ConnID == from {
			continue
		}
		msg := stomp.New(stomp.CmdMessage).
			Set(stomp.HdrSubscription, s.SubID).
			Set(stomp.HdrMessageID, strconv.FormatUint(c.NextMessageID(), 10)).
			Set(stomp.HdrDestination, channel).
			WithBody(body)
		if c.Send(s.ConnID, msg) {
			delivered++
		}
	}
	return delivered
}

// NextMessageID allocates the next global message id.
func (c *Connections) NextMessageID() uint64 {
	return c.messageID.Add(1)
}

// Subscribers returns a snapshot of channel's subscribers. The slice must
// not be modified.
func (c *Connections) Subscribers(channel string) []Subscriber {
	sh := c.shard(channel)
	sh.mu.Lock()
	ptr, ok := sh.channels[channel]
	sh.mu.Unlock()
	if !ok {
		return nil
	}
	if p := ptr.Load(); p != nil {
		return *p
	}
	return nil
}

// SubscriberCount returns how many connections are subscribed to channel.
func (c *Connections) SubscriberCount(channel string) int {
	return len(c.Subscribers(channel))
}

// Channels returns the channels connID is subscribed to, keyed by channel
// with the subscription id as value.
func (c *Connections) Channels(connID int64) map[string]string {
	v, ok := c.conns.Load(connID)
	if !ok {
		return nil
	}
	e := v.(*connEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.channels))
	for ch, id := range e.channels {
		out[ch] = id
	}
	return out
}

// IsConnected reports whether connID has a registered handle.
func (c *Connections) IsConnected(connID int64) bool {
	_, ok := c.handles.Load(connID)
	return ok
}

// ConnectionCount returns the number of registered handles.
func (c *Connections) ConnectionCount() int {
	n := 0
	c.handles.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// SubscriptionCount returns the total number of active subscriptions.
func (c *Connections) SubscriptionCount() int64 {
	return c.subscriptions.Load()
}
