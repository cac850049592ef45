package cache

import (
	"strconv"
	"strings"
	"time"
)

// Dispatcher executes one RESP command against a Keyspace/PubSub pair
// (spec §4.6's command table). One Dispatcher instance is shared across
// connections; per-connection state (selected pubsub client, if any) is
// passed in by the caller.
type Dispatcher struct {
	ks      *Keyspace
	pubsub  *PubSub
	started time.Time

	NotifyKeyspaceEvents bool
}

func NewDispatcher(ks *Keyspace, pubsub *PubSub) *Dispatcher {
	return &Dispatcher{ks: ks, pubsub: pubsub, started: time.Now()}
}

// notify publishes a keyspace-notification event for key on the
// conventional `__keyevent@0__:<event>` channel, when enabled (spec §4.6:
// "triggered by write commands if enabled").
func (d *Dispatcher) notify(event, key string) {
	if !d.NotifyKeyspaceEvents {
		return
	}

	d.pubsub.Publish("__keyevent@0__:"+event, []byte(key))
}

// Execute runs one command (already split into args, args[0] is the
// command name) and returns the RESP reply. client is the connection's
// pub/sub registration, which the server creates for every connection;
// only the pub/sub commands use it.
func (d *Dispatcher) Execute(args []string, client *pubsubClient) RespValue {
	if len(args) == 0 {
		return Err("ERR empty command")
	}

	name := strings.ToUpper(args[0])
	rest := args[1:]

	switch name {
	case "PING":
		if len(rest) > 0 {
			return Bulk([]byte(rest[0]))
		}

		return Simple("PONG")

	case "ECHO":
		if len(rest) != 1 {
			return wrongArgs(name)
		}

		return Bulk([]byte(rest[0]))

	case "SET":
		return d.set(rest)

	case "GET":
		if len(rest) != 1 {
			return wrongArgs(name)
		}

		v, ok := d.ks.Get(rest[0])
		if !ok {
			return NullBulk()
		}

		return Bulk(v)

	case "GETEX":
		return d.getex(rest)

	case "DEL":
		if len(rest) == 0 {
			return wrongArgs(name)
		}

		n := d.ks.Del(rest...)
		for _, key := range rest {
			d.notify("del", key)
		}

		return Int(int64(n))

	case "EXISTS":
		if len(rest) == 0 {
			return wrongArgs(name)
		}

		return Int(int64(d.ks.Exists(rest...)))

	case "EXPIRE":
		return d.expire(rest, time.Second)

	case "PEXPIRE":
		return d.expire(rest, time.Millisecond)

	case "TTL":
		return d.ttl(rest, time.Second)

	case "PTTL":
		return d.ttl(rest, time.Millisecond)

	case "PERSIST":
		if len(rest) != 1 {
			return wrongArgs(name)
		}

		if d.ks.Persist(rest[0]) {
			return Int(1)
		}

		return Int(0)

	case "INCR":
		return d.incrBy(rest, 1, name)

	case "DECR":
		return d.incrBy(rest, -1, name)

	case "INCRBY":
		return d.incrByArg(rest, 1, name)

	case "DECRBY":
		return d.incrByArg(rest, -1, name)

	case "MGET":
		if len(rest) == 0 {
			return wrongArgs(name)
		}

		vals := make([]RespValue, len(rest))

		for i, key := range rest {
			if v, ok := d.ks.Get(key); ok {
				vals[i] = Bulk(v)
			} else {
				vals[i] = NullBulk()
			}
		}

		return Array(vals...)

	case "MSET":
		if len(rest) == 0 || len(rest)%2 != 0 {
			return wrongArgs(name)
		}

		for i := 0; i < len(rest); i += 2 {
			d.ks.Set(rest[i], []byte(rest[i+1]), nil)
		}

		return Simple("OK")

	case "KEYS":
		if len(rest) != 1 {
			return wrongArgs(name)
		}

		keys := d.ks.Keys(rest[0])
		vals := make([]RespValue, len(keys))

		for i, key := range keys {
			vals[i] = Bulk([]byte(key))
		}

		return Array(vals...)

	case "SCAN":
		return d.scan(rest)

	case "DBSIZE":
		return Int(int64(d.ks.DBSize()))

	case "FLUSHDB", "FLUSHALL":
		d.ks.Flush()
		return Simple("OK")

	case "INFO":
		return Bulk([]byte(d.info()))

	case "SELECT":
		if len(rest) != 1 {
			return wrongArgs(name)
		}

		return Simple("OK")

	case "SUBSCRIBE":
		return d.subscribe(rest, client, false)

	case "PSUBSCRIBE":
		return d.subscribe(rest, client, true)

	case "UNSUBSCRIBE":
		return d.unsubscribe(rest, client, false)

	case "PUNSUBSCRIBE":
		return d.unsubscribe(rest, client, true)

	case "CLIENT", "CONFIG", "COMMAND":
		return d.adminNoop(name, rest)

	case "QUIT":
		return Simple("OK")

	default:
		return Err("ERR unknown command '" + args[0] + "'")
	}
}

func wrongArgs(name string) RespValue {
	return Err("ERR wrong number of arguments for '" + strings.ToLower(name) + "' command")
}

func (d *Dispatcher) set(args []string) RespValue {
	if len(args) < 2 {
		return wrongArgs("SET")
	}

	key, value := args[0], []byte(args[1])
	opts := args[2:]

	var ttl *time.Duration

	var nx, xx, keepTTL bool

	for i := 0; i < len(opts); i++ {
		switch strings.ToUpper(opts[i]) {
		case "EX":
			if i+1 >= len(opts) {
				return wrongArgs("SET")
			}

			secs, err := strconv.ParseInt(opts[i+1], 10, 64)
			if err != nil {
				return Err("ERR value is not an integer or out of range")
			}

			d := time.Duration(secs) * time.Second
			ttl = &d
			i++

		case "PX":
			if i+1 >= len(opts) {
				return wrongArgs("SET")
			}

			ms, err := strconv.ParseInt(opts[i+1], 10, 64)
			if err != nil {
				return Err("ERR value is not an integer or out of range")
			}

			d := time.Duration(ms) * time.Millisecond
			ttl = &d
			i++

		case "EXAT":
			if i+1 >= len(opts) {
				return wrongArgs("SET")
			}

			secs, err := strconv.ParseInt(opts[i+1], 10, 64)
			if err != nil {
				return Err("ERR value is not an integer or out of range")
			}

			d := time.Until(time.Unix(secs, 0))
			ttl = &d
			i++

		case "NX":
			nx = true
		case "XX":
			xx = true
		case "KEEPTTL":
			keepTTL = true
		default:
			return Err("ERR syntax error")
		}
	}

	_, exists := d.ks.Peek(key)

	if nx && exists {
		return NullBulk()
	}

	if xx && !exists {
		return NullBulk()
	}

	if keepTTL && exists {
		if existingTTL, ok := d.ks.TTL(key); ok && existingTTL != nil {
			ttl = existingTTL
		}
	}

	if !d.ks.Set(key, value, ttl) {
		return Err("OOM command not allowed when used memory > 'maxmemory'")
	}

	d.notify("set", key)

	return Simple("OK")
}

func (d *Dispatcher) getex(args []string) RespValue {
	if len(args) == 0 {
		return wrongArgs("GETEX")
	}

	key := args[0]

	v, ok := d.ks.Get(key)
	if !ok {
		return NullBulk()
	}

	opts := args[1:]

	for i := 0; i < len(opts); i++ {
		switch strings.ToUpper(opts[i]) {
		case "EX":
			if i+1 >= len(opts) {
				return wrongArgs("GETEX")
			}

			secs, err := strconv.ParseInt(opts[i+1], 10, 64)
			if err != nil {
				return Err("ERR value is not an integer or out of range")
			}

			d.ks.Expire(key, time.Duration(secs)*time.Second)
			i++

		case "PX":
			if i+1 >= len(opts) {
				return wrongArgs("GETEX")
			}

			ms, err := strconv.ParseInt(opts[i+1], 10, 64)
			if err != nil {
				return Err("ERR value is not an integer or out of range")
			}

			d.ks.Expire(key, time.Duration(ms)*time.Millisecond)
			i++

		case "PERSIST":
			d.ks.Persist(key)

		default:
			return Err("ERR syntax error")
		}
	}

	return Bulk(v)
}

func (d *Dispatcher) expire(args []string, unit time.Duration) RespValue {
	if len(args) != 2 {
		return wrongArgs("EXPIRE")
	}

	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return Err("ERR value is not an integer or out of range")
	}

	if d.ks.Expire(args[0], time.Duration(n)*unit) {
		return Int(1)
	}

	return Int(0)
}

func (d *Dispatcher) ttl(args []string, unit time.Duration) RespValue {
	if len(args) != 1 {
		return wrongArgs("TTL")
	}

	ttl, ok := d.ks.TTL(args[0])
	if !ok {
		return Int(-2)
	}

	if ttl == nil {
		return Int(-1)
	}

	return Int(int64(*ttl / unit))
}

func (d *Dispatcher) incrBy(args []string, delta int64, name string) RespValue {
	if len(args) != 1 {
		return wrongArgs(name)
	}

	return d.applyIncr(args[0], delta)
}

func (d *Dispatcher) incrByArg(args []string, sign int64, name string) RespValue {
	if len(args) != 2 {
		return wrongArgs(name)
	}

	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return Err("ERR value is not an integer or out of range")
	}

	return d.applyIncr(args[0], sign*n)
}

func (d *Dispatcher) applyIncr(key string, delta int64) RespValue {
	var ttl *time.Duration
	if existingTTL, ok := d.ks.TTL(key); ok {
		ttl = existingTTL
	}

	cur := int64(0)

	if v, ok := d.ks.Get(key); ok {
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return Err("ERR value is not an integer or out of range")
		}

		cur = n
	}

	cur += delta

	d.ks.Set(key, []byte(strconv.FormatInt(cur, 10)), ttl)

	return Int(cur)
}

// scan is stateless per spec §4.6: it always returns cursor "0" and up to
// COUNT matching results in one pass, never a real multi-call cursor.
func (d *Dispatcher) scan(args []string) RespValue {
	if len(args) == 0 {
		return wrongArgs("SCAN")
	}

	pattern := "*"
	count := 10

	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "MATCH":
			if i+1 >= len(args) {
				return wrongArgs("SCAN")
			}

			pattern = args[i+1]
			i++

		case "COUNT":
			if i+1 >= len(args) {
				return wrongArgs("SCAN")
			}

			n, err := strconv.Atoi(args[i+1])
			if err == nil && n > 0 {
				count = n
			}

			i++
		}
	}

	keys := d.ks.Keys(pattern)
	if len(keys) > count {
		keys = keys[:count]
	}

	vals := make([]RespValue, len(keys))
	for i, k := range keys {
		vals[i] = Bulk([]byte(k))
	}

	return Array(Bulk([]byte("0")), Array(vals...))
}

func (d *Dispatcher) info() string {
	s := d.ks.Stats()

	var b strings.Builder

	b.WriteString("# Server\r\n")
	b.WriteString("squirreldb_cache_version:1\r\n")
	b.WriteString("uptime_in_seconds:" + strconv.FormatInt(int64(time.Since(d.started).Seconds()), 10) + "\r\n")
	b.WriteString("# Memory\r\n")
	b.WriteString("used_memory:" + strconv.FormatInt(d.ks.UsedBytes(), 10) + "\r\n")
	b.WriteString("# Stats\r\n")
	b.WriteString("keyspace_hits:" + strconv.FormatInt(s.Hits, 10) + "\r\n")
	b.WriteString("keyspace_misses:" + strconv.FormatInt(s.Misses, 10) + "\r\n")
	b.WriteString("expired_keys:" + strconv.FormatInt(s.Expired, 10) + "\r\n")
	b.WriteString("evicted_keys:" + strconv.FormatInt(s.Evicted, 10) + "\r\n")
	b.WriteString("# Keyspace\r\n")
	b.WriteString("db0:keys=" + strconv.Itoa(d.ks.DBSize()) + "\r\n")

	return b.String()
}

func (d *Dispatcher) subscribe(args []string, client *pubsubClient, pattern bool) RespValue {
	if len(args) == 0 || client == nil {
		return wrongArgs("SUBSCRIBE")
	}

	var replies []RespValue

	for _, ch := range args {
		if pattern {
			client.PSubscribe(ch)
			replies = append(replies, Array(Bulk([]byte("psubscribe")), Bulk([]byte(ch)), Int(int64(client.SubscriptionCount()))))
		} else {
			client.Subscribe(ch)
			replies = append(replies, Array(Bulk([]byte("subscribe")), Bulk([]byte(ch)), Int(int64(client.SubscriptionCount()))))
		}
	}

	if len(replies) == 1 {
		return replies[0]
	}

	return Array(replies...)
}

func (d *Dispatcher) unsubscribe(args []string, client *pubsubClient, pattern bool) RespValue {
	if client == nil {
		return wrongArgs("UNSUBSCRIBE")
	}

	if len(args) == 0 {
		if pattern {
			for p := range client.patterns {
				args = append(args, p)
			}
		} else {
			for c := range client.channels {
				args = append(args, c)
			}
		}
	}

	var replies []RespValue

	for _, ch := range args {
		if pattern {
			client.PUnsubscribe(ch)
			replies = append(replies, Array(Bulk([]byte("punsubscribe")), Bulk([]byte(ch)), Int(int64(client.SubscriptionCount()))))
		} else {
			client.Unsubscribe(ch)
			replies = append(replies, Array(Bulk([]byte("unsubscribe")), Bulk([]byte(ch)), Int(int64(client.SubscriptionCount()))))
		}
	}

	if len(replies) == 1 {
		return replies[0]
	}

	return Array(replies...)
}

// adminNoop answers CLIENT/CONFIG/COMMAND with client-library-compatible
// but stateless responses (spec, SPEC_FULL.md supplemented features):
// CONFIG GET returns an empty array, CONFIG SET is a no-op OK, everything
// else returns OK.
func (d *Dispatcher) adminNoop(name string, args []string) RespValue {
	if name == "CONFIG" && len(args) > 0 && strings.EqualFold(args[0], "GET") {
		return Array()
	}

	return Simple("OK")
}
