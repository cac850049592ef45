package cache

import "sync"

// pubsubClient is one connection's channel and pattern subscriptions plus
// its outgoing queue of already-framed RESP push messages.
type pubsubClient struct {
	channels map[string]struct{}
	patterns map[string]struct{}
	out      chan RespValue
}

// PubSub fans `message`/`pmessage` pushes out to every matching client
// (spec §4.6: "the manager fans out ... to matching clients via their
// per-connection outbound queue").
type PubSub struct {
	mu      sync.RWMutex
	clients map[*pubsubClient]struct{}
}

func NewPubSub() *PubSub {
	return &PubSub{clients: make(map[*pubsubClient]struct{})}
}

// Register allocates a client's queue, a buffered channel of 256 replies;
// a message published while the queue is full is dropped for that client.
func (p *PubSub) Register() *pubsubClient {
	c := &pubsubClient{channels: make(map[string]struct{}), patterns: make(map[string]struct{}), out: make(chan RespValue, 256)}

	p.mu.Lock()
	p.clients[c] = struct{}{}
	p.mu.Unlock()

	return c
}

func (p *PubSub) Unregister(c *pubsubClient) {
	p.mu.Lock()
	delete(p.clients, c)
	p.mu.Unlock()

	close(c.out)
}

func (c *pubsubClient) Subscribe(channel string)    { c.channels[channel] = struct{}{} }
func (c *pubsubClient) Unsubscribe(channel string)  { delete(c.channels, channel) }
func (c *pubsubClient) PSubscribe(pattern string)   { c.patterns[pattern] = struct{}{} }
func (c *pubsubClient) PUnsubscribe(pattern string) { delete(c.patterns, pattern) }

func (c *pubsubClient) SubscriptionCount() int {
	return len(c.channels) + len(c.patterns)
}

// Publish delivers payload to every client subscribed to channel directly
// or via a matching pattern, returning the number of receivers.
func (p *PubSub) Publish(channel string, payload []byte) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0

	for c := range p.clients {
		if _, ok := c.channels[channel]; ok {
			p.deliver(c, Array(Bulk([]byte("message")), Bulk([]byte(channel)), Bulk(payload)))
			n++
		}

		for pattern := range c.patterns {
			if MatchGlob(pattern, channel) {
				p.deliver(c, Array(Bulk([]byte("pmessage")), Bulk([]byte(pattern)), Bulk([]byte(channel)), Bulk(payload)))
				n++
			}
		}
	}

	return n
}

func (p *PubSub) deliver(c *pubsubClient, v RespValue) {
	select {
	case c.out <- v:
	default:
	}
}
