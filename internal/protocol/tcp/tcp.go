// Package tcp implements the framed binary TCP front end (spec §4.5.2): a
// length-prefixed frame protocol carrying MessagePack- or JSON-encoded
// ClientMessage/ServerMessage payloads, negotiated once during the
// handshake and fixed for the connection's lifetime.
package tcp

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/squirreldb/squirreldb/internal/logger"
	"github.com/squirreldb/squirreldb/internal/protocol"
	"github.com/squirreldb/squirreldb/internal/ratelimit"
	"github.com/squirreldb/squirreldb/internal/subscriptions"
)

const (
	magic          = "SQRL"
	protocolVer    = 0x01
	maxFrameBody   = 16 << 20 // 16 MiB, spec §4.5.2
	handshakeLimit = 30 * time.Second

	statusOK             byte = 0x00
	statusVersionMismatch byte = 0x01
	statusAuthFailed      byte = 0x02

	flagMsgpack byte = 1 << 0
	flagJSON    byte = 1 << 1

	msgRequest      byte = 0x01
	msgResponse     byte = 0x02
	msgNotification byte = 0x03

	encMsgpack byte = 0x01
	encJSON    byte = 0x02
)

// Config configures the listener beyond the shared protocol.Deps.
type Config struct {
	AuthEnabled bool
	AdminToken  string
	Gate        *ratelimit.ConnectionGate
	Bucket      *ratelimit.TokenBucket
	Log         logger.Logger
}

// Listener accepts raw TCP connections and speaks the framed protocol on
// each.
type Listener struct {
	deps *protocol.Deps
	cfg  Config
}

func New(deps *protocol.Deps, cfg Config) *Listener {
	return &Listener{deps: deps, cfg: cfg}
}

// Serve accepts connections on ln until ctx is canceled.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	if l.cfg.Gate != nil && !l.cfg.Gate.Acquire(ctx, ip) {
		return
	}

	if l.cfg.Gate != nil {
		defer l.cfg.Gate.Release(ctx, ip)
	}

	encoding, resolved, ok := l.handshake(conn)
	if !ok {
		return
	}

	clientID := uuid.New()
	session := protocol.NewSession(l.deps, clientID)
	session.IsAdmin = resolved.IsAdmin

	if resolved.ProjectID != nil {
		session.Project = *resolved.ProjectID
	}

	outbox := l.deps.Subs.RegisterClient(clientID)
	defer func() {
		_ = l.deps.Subs.RemoveClient(ctx, clientID)
	}()

	var writeMu sync.Mutex

	done := make(chan struct{})
	go l.pump(conn, &writeMu, encoding, outbox, done)
	defer close(done)

	for {
		body, err := readFrame(conn)
		if err != nil {
			return
		}

		if len(body) < 2 {
			return
		}

		msgType, enc, payload := body[0], body[1], body[2:]
		if msgType != msgRequest {
			return // a client only ever sends requests; anything else is a protocol error
		}

		if l.cfg.Bucket != nil && !l.cfg.Bucket.TryConsume(ctx, ip) {
			l.writeResponse(conn, &writeMu, enc, protocol.ServerMessage{Type: protocol.SError, Code: "RateLimited", Message: "rate limit exceeded"})
			continue
		}

		msg, err := decode(enc, payload)
		if err != nil {
			l.writeResponse(conn, &writeMu, enc, protocol.ServerMessage{Type: protocol.SError, Message: "malformed message"})
			continue
		}

		reply := session.Handle(ctx, msg)
		l.writeResponse(conn, &writeMu, enc, reply)
	}
}

// handshake performs the SQRL magic/version/flags/token exchange (spec
// §4.5.2) and returns the negotiated encoding byte plus the resolved auth
// scope for subsequent frames.
func (l *Listener) handshake(conn net.Conn) (byte, protocol.ResolvedAuth, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeLimit))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	hdr := make([]byte, 4+1+1+2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return 0, protocol.ResolvedAuth{}, false
	}

	if string(hdr[0:4]) != magic {
		return 0, protocol.ResolvedAuth{}, false
	}

	version := hdr[4]
	flags := hdr[5]
	tokenLen := binary.BigEndian.Uint16(hdr[6:8])

	token := make([]byte, tokenLen)
	if tokenLen > 0 {
		if _, err := io.ReadFull(conn, token); err != nil {
			return 0, protocol.ResolvedAuth{}, false
		}
	}

	if version != protocolVer {
		writeHandshakeResponse(conn, statusVersionMismatch, 0)
		return 0, protocol.ResolvedAuth{}, false
	}

	negotiated := flagJSON
	if flags&flagMsgpack != 0 {
		negotiated = flagMsgpack
	}

	var resolved protocol.ResolvedAuth

	if l.cfg.AuthEnabled {
		var ok bool

		resolved, ok = protocol.Authenticate(context.Background(), l.deps.Backend, l.cfg.AdminToken, string(token))
		if !ok {
			writeHandshakeResponse(conn, statusAuthFailed, negotiated)
			return 0, protocol.ResolvedAuth{}, false
		}
	}

	writeHandshakeResponse(conn, statusOK, negotiated)

	enc := encJSON
	if negotiated == flagMsgpack {
		enc = encMsgpack
	}

	return enc, resolved, true
}

// writeHandshakeResponse writes the 19-byte handshake reply (spec §8):
// status, server version, negotiated flags, 16-byte session id. A session
// id is only ever minted on statusOK — no session exists on a rejected
// handshake, so every other status carries sixteen zero bytes instead
// (scenario 6: version mismatch replies with zero flags and a zeroed id).
func writeHandshakeResponse(conn net.Conn, status byte, negotiatedFlags byte) {
	resp := make([]byte, 0, 19)
	resp = append(resp, status, protocolVer, negotiatedFlags)

	var sessionBytes [16]byte

	if status == statusOK {
		sessionID := uuid.New()
		b, _ := sessionID.MarshalBinary()
		copy(sessionBytes[:], b)
	}

	resp = append(resp, sessionBytes[:]...)

	_, _ = conn.Write(resp)
}

// readFrame reads one length-prefixed frame and returns its body (message
// type byte + encoding byte + payload), enforcing the 16 MiB cap and the
// `L >= 2` invariant (spec §4.5.2).
func readFrame(conn net.Conn) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, err
	}

	l := binary.BigEndian.Uint32(lenBuf)
	if l < 2 {
		return nil, fmt.Errorf("tcp: frame length %d below minimum", l)
	}

	if l > maxFrameBody {
		return nil, fmt.Errorf("tcp: frame length %d exceeds maximum", l)
	}

	body := make([]byte, l)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}

	return body, nil
}

func decode(enc byte, payload []byte) (protocol.ClientMessage, error) {
	var msg protocol.ClientMessage

	switch enc {
	case encMsgpack:
		err := msgpack.Unmarshal(payload, &msg)
		return msg, err
	case encJSON:
		err := json.Unmarshal(payload, &msg)
		return msg, err
	default:
		return msg, errors.New("tcp: unknown encoding byte")
	}
}

func encode(enc byte, msg protocol.ServerMessage) ([]byte, error) {
	switch enc {
	case encMsgpack:
		return msgpack.Marshal(msg)
	case encJSON:
		return json.Marshal(msg)
	default:
		return nil, errors.New("tcp: unknown encoding byte")
	}
}

func (l *Listener) writeResponse(conn net.Conn, writeMu *sync.Mutex, enc byte, msg protocol.ServerMessage) {
	l.writeFrame(conn, writeMu, msgResponse, enc, msg)
}

func (l *Listener) pump(conn net.Conn, writeMu *sync.Mutex, enc byte, outbox <-chan subscriptions.Event, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-outbox:
			if !ok {
				return
			}

			l.writeFrame(conn, writeMu, msgNotification, enc, protocol.ServerMessage{
				Type:           protocol.SChange,
				SubscriptionID: ev.SubscriptionID,
				Operation:      string(ev.Change.Operation),
				New:            ev.Change.New,
				Old:            ev.Change.Old,
			})
		}
	}
}

// writeFrame serializes msg and writes the length-prefixed frame. Ordering
// per connection is preserved for responses because writeMu serializes
// every writer (the request loop and the notification pump alike); spec
// §4.5.2 only requires interleaving safety, which the mutex also gives us.
func (l *Listener) writeFrame(conn net.Conn, writeMu *sync.Mutex, msgType byte, enc byte, msg protocol.ServerMessage) {
	payload, err := encode(enc, msg)
	if err != nil {
		return
	}

	body := make([]byte, 0, 2+len(payload))
	body = append(body, msgType, enc)
	body = append(body, payload...)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))

	writeMu.Lock()
	defer writeMu.Unlock()

	_, _ = conn.Write(lenBuf)
	_, _ = conn.Write(body)
}
