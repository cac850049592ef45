package cache

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/squirreldb/squirreldb/internal/logger"
)

// State is the engine lifecycle described in spec §4.6: Stopped ->
// Starting -> Running -> Stopping -> Stopped, driven by the feature
// registry.
type State string

const (
	StateStopped  State = "Stopped"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
)

// sweepInterval is how often the expiration sweeper samples keys.
const sweepInterval = 1 * time.Second

// Config configures a builtin-mode Engine.
type Config struct {
	Port                 int
	MaxMemory            int64
	Eviction             Eviction
	DefaultTTL           time.Duration
	SnapshotEnabled      bool
	SnapshotPath         string
	SnapshotInterval     time.Duration
	NotifyKeyspaceEvents bool
}

// Engine is the builtin-mode cache: a Keyspace + PubSub + RESP listener,
// runnable as a feature with Start/Stop/IsRunning (spec §4.7).
type Engine struct {
	cfg    Config
	ks     *Keyspace
	pubsub *PubSub
	disp   *Dispatcher
	log    logger.Logger

	mu    sync.Mutex
	state State
	ln    net.Listener
	wg    sync.WaitGroup
	stop  chan struct{}
}

func NewEngine(cfg Config, log logger.Logger) *Engine {
	ks := NewKeyspace(cfg.MaxMemory, cfg.Eviction)
	pubsub := NewPubSub()
	disp := NewDispatcher(ks, pubsub)
	disp.NotifyKeyspaceEvents = cfg.NotifyKeyspaceEvents

	return &Engine{cfg: cfg, ks: ks, pubsub: pubsub, disp: disp, log: log, state: StateStopped}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Start loads a snapshot (if configured and present) and spawns the
// listener, expiration sweeper and snapshot tasks.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning || e.state == StateStarting {
		e.mu.Unlock()
		return nil
	}

	e.state = StateStarting
	e.mu.Unlock()

	if e.cfg.SnapshotEnabled && e.cfg.SnapshotPath != "" {
		if err := Load(e.ks, e.cfg.SnapshotPath); err != nil {
			e.log.Warnf("cache: loading snapshot: %v", err)
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", e.cfg.Port))
	if err != nil {
		e.mu.Lock()
		e.state = StateStopped
		e.mu.Unlock()

		return fmt.Errorf("cache: listening on port %d: %w", e.cfg.Port, err)
	}

	e.mu.Lock()
	e.ln = ln
	e.state = StateRunning
	e.stop = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.acceptLoop(ln)

	e.wg.Add(1)
	go e.sweepLoop()

	if e.cfg.SnapshotEnabled && e.cfg.SnapshotInterval > 0 {
		e.wg.Add(1)
		go e.snapshotLoop()
	}

	return nil
}

// Stop flushes an in-progress snapshot best-effort and aborts every task.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}

	e.state = StateStopping
	ln := e.ln
	stop := e.stop
	e.mu.Unlock()

	close(stop)

	if ln != nil {
		_ = ln.Close()
	}

	e.wg.Wait()

	if e.cfg.SnapshotEnabled && e.cfg.SnapshotPath != "" {
		if err := Save(e.ks, e.cfg.SnapshotPath); err != nil {
			e.log.Warnf("cache: saving snapshot on stop: %v", err)
		}
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()

	return nil
}

func (e *Engine) IsRunning() bool {
	return e.State() == StateRunning
}

func (e *Engine) acceptLoop(ln net.Listener) {
	defer e.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		e.wg.Add(1)

		go func() {
			defer e.wg.Done()
			e.handleConn(conn)
		}()
	}
}

func (e *Engine) handleConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)

	client := e.pubsub.Register()
	defer e.pubsub.Unregister(client)

	writeDone := make(chan struct{})

	var writeMu sync.Mutex

	go func() {
		defer close(writeDone)

		for v := range client.out {
			writeMu.Lock()
			_ = WriteValue(conn, v)
			writeMu.Unlock()
		}
	}()

	for {
		args, err := ReadCommand(r)
		if err != nil {
			break
		}

		if len(args) == 0 {
			continue
		}

		reply := e.disp.Execute(args, client)

		writeMu.Lock()
		_ = WriteValue(conn, reply)
		writeMu.Unlock()

		if len(args) > 0 && args[0] == "QUIT" {
			break
		}
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweepOnce()
		}
	}
}

// sweepOnce walks the keyspace, which itself drops any key found expired
// along the way, bounding how long a cold, never-read expired key can
// linger with its memory still charged against the byte budget.
func (e *Engine) sweepOnce() {
	e.ks.Keys("*")
}

func (e *Engine) snapshotLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if err := Save(e.ks, e.cfg.SnapshotPath); err != nil {
				e.log.Warnf("cache: periodic snapshot: %v", err)
			}
		}
	}
}
