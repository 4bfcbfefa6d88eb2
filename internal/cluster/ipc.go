package cluster

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Envelope kinds carried by the IPC bus.
const (
	KindReady        = "ready"
	KindHeartbeat    = "heartbeat"
	KindMetrics      = "metrics"
	KindConfigUpdate = "config_update"
	KindShutdown     = "shutdown"
	KindAppMessage   = "app_message"
	KindRPCRequest   = "rpc_request"
	KindRPCReply     = "rpc_reply"
)

// Addressing targets besides a concrete worker ID.
const (
	ToParent    = "parent"
	ToBroadcast = "broadcast"
	ToRandom    = "random"
)

const (
	defaultMaxMessageBytes = 1 << 20
	defaultRPCTimeout      = 5 * time.Second
)

// ErrMessageTooLarge is returned to the sender when an envelope exceeds the
// configured size limit. It is never silently dropped.
type ErrMessageTooLarge struct {
	Size  int
	Limit int64
}

func (e *ErrMessageTooLarge) Error() string {
	return fmt.Sprintf("ipc message of %d bytes exceeds limit %d", e.Size, e.Limit)
}

// Envelope is one typed IPC message, serialized as a single NDJSON line.
type Envelope struct {
	ID      string          `json:"envelope_id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
}

// NewEnvelope builds an envelope with a fresh ID and a marshalled payload.
func NewEnvelope(from, to, kind string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal ipc payload: %w", err)
		}
		raw = b
	}
	return &Envelope{
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		Kind:    kind,
		Payload: raw,
	}, nil
}

// Handler consumes an inbound envelope.
type Handler func(env *Envelope)

// conn is one duplex NDJSON link. A single writer goroutine drains sendCh so
// message order is preserved per peer.
type conn struct {
	r        io.Reader
	w        io.WriteCloser
	maxBytes int64

	sendCh    chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(r io.Reader, w io.WriteCloser, maxBytes int64) *conn {
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	c := &conn{
		r:        r,
		w:        w,
		maxBytes: maxBytes,
		sendCh:   make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *conn) writeLoop() {
	for {
		select {
		case line := <-c.sendCh:
			if _, err := c.w.Write(line); err != nil {
				logging.Debug("IPC write failed", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// send serializes the envelope and enqueues it, enforcing the size limit.
func (c *conn) send(env *Envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if int64(len(line)) > c.maxBytes {
		return &ErrMessageTooLarge{Size: len(line), Limit: c.maxBytes}
	}
	line = append(line, '\n')
	select {
	case c.sendCh <- line:
		return nil
	case <-c.done:
		return fmt.Errorf("ipc connection closed")
	}
}

// readLoop decodes NDJSON lines and hands envelopes to the callback until
// the reader ends. Oversized or malformed lines are logged and skipped.
func (c *conn) readLoop(onMessage Handler) {
	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 64*1024), int(c.maxBytes)+1)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			logging.Warn("IPC envelope malformed; skipping", zap.Error(err))
			continue
		}
		onMessage(&env)
	}
	if err := scanner.Err(); err != nil {
		logging.Debug("IPC read ended", zap.Error(err))
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.w.Close()
	})
}

// rpcTable tracks in-flight rpc_request envelopes awaiting their reply.
type rpcTable struct {
	mu      sync.Mutex
	pending map[string]chan *Envelope
}

func newRPCTable() *rpcTable {
	return &rpcTable{pending: make(map[string]chan *Envelope)}
}

func (t *rpcTable) register(id string) chan *Envelope {
	ch := make(chan *Envelope, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *rpcTable) unregister(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// resolve delivers a reply to the waiter matched by ReplyTo.
func (t *rpcTable) resolve(env *Envelope) bool {
	t.mu.Lock()
	ch, ok := t.pending[env.ReplyTo]
	if ok {
		delete(t.pending, env.ReplyTo)
	}
	t.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// Bus is the parent-side IPC hub: one connection per worker plus RPC
// bookkeeping. A nil or disabled bus turns every operation into a no-op so
// single-process mode needs no special-casing in callers.
type Bus struct {
	maxBytes   int64
	rpcTimeout time.Duration

	mu       sync.RWMutex
	conns    map[string]*conn // worker ID → link
	handlers map[string][]Handler

	rpc *rpcTable
}

// NewBus creates an empty parent-side bus.
func NewBus(maxBytes int64, rpcTimeout time.Duration) *Bus {
	if rpcTimeout <= 0 {
		rpcTimeout = defaultRPCTimeout
	}
	return &Bus{
		maxBytes:   maxBytes,
		rpcTimeout: rpcTimeout,
		conns:      make(map[string]*conn),
		handlers:   make(map[string][]Handler),
		rpc:        newRPCTable(),
	}
}

// Attach wires a worker's pipe pair into the bus and starts its read loop.
func (b *Bus) Attach(workerID string, r io.Reader, w io.WriteCloser) {
	c := newConn(r, w, b.maxBytes)
	b.mu.Lock()
	if old, ok := b.conns[workerID]; ok {
		old.close()
	}
	b.conns[workerID] = c
	b.mu.Unlock()

	go c.readLoop(func(env *Envelope) {
		if env.Kind == KindRPCReply && b.rpc.resolve(env) {
			return
		}
		b.dispatch(env)
	})
}

// Detach drops a worker's connection, closing its write side.
func (b *Bus) Detach(workerID string) {
	b.mu.Lock()
	c, ok := b.conns[workerID]
	delete(b.conns, workerID)
	b.mu.Unlock()
	if ok {
		c.close()
	}
}

// OnMessage registers a handler for a kind. Handlers run on the read loop of
// the originating connection, so they must not block.
func (b *Bus) OnMessage(kind string, h Handler) {
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], h)
	b.mu.Unlock()
}

func (b *Bus) dispatch(env *Envelope) {
	b.mu.RLock()
	hs := b.handlers[env.Kind]
	b.mu.RUnlock()
	for _, h := range hs {
		h(env)
	}
}

// Send delivers an envelope to one worker. Unknown workers are a silent
// no-op so races with worker death stay harmless.
func (b *Bus) Send(workerID, kind string, payload any) error {
	if b == nil {
		return nil
	}
	env, err := NewEnvelope(ToParent, workerID, kind, payload)
	if err != nil {
		return err
	}
	b.mu.RLock()
	c, ok := b.conns[workerID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.send(env)
}

// Broadcast sends to every attached worker. The first size error aborts;
// transport errors for individual workers are logged and skipped.
func (b *Bus) Broadcast(kind string, payload any) error {
	if b == nil {
		return nil
	}
	env, err := NewEnvelope(ToParent, ToBroadcast, kind, payload)
	if err != nil {
		return err
	}
	b.mu.RLock()
	conns := make(map[string]*conn, len(b.conns))
	for id, c := range b.conns {
		conns[id] = c
	}
	b.mu.RUnlock()

	for id, c := range conns {
		if err := c.send(env); err != nil {
			if _, tooLarge := err.(*ErrMessageTooLarge); tooLarge {
				return err
			}
			logging.Warn("IPC broadcast to worker failed",
				zap.String("worker_id", id),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Random sends to one randomly chosen worker; a no-op with no workers.
func (b *Bus) Random(kind string, payload any) error {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	if len(ids) == 0 {
		return nil
	}
	return b.Send(ids[rand.Intn(len(ids))], kind, payload)
}

// Request sends an rpc_request and waits for the matching rpc_reply. The
// context bounds the wait on top of the bus default timeout.
func (b *Bus) Request(ctx context.Context, workerID string, payload any) (*Envelope, error) {
	if b == nil {
		return nil, nil
	}
	env, err := NewEnvelope(ToParent, workerID, KindRPCRequest, payload)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	c, ok := b.conns[workerID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ipc request: unknown worker %q", workerID)
	}

	waiter := b.rpc.register(env.ID)
	defer b.rpc.unregister(env.ID)

	if err := c.send(env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.rpcTimeout)
	defer timer.Stop()
	select {
	case reply := <-waiter:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("ipc request to %q timed out after %s", workerID, b.rpcTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down every connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	for id, c := range b.conns {
		c.close()
		delete(b.conns, id)
	}
	b.mu.Unlock()
}

// WorkerBus is the child-side endpoint: a single link back to the parent.
type WorkerBus struct {
	id   string
	conn *conn

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewWorkerBus wires the inherited pipe pair and starts reading.
func NewWorkerBus(workerID string, r io.Reader, w io.WriteCloser, maxBytes int64) *WorkerBus {
	wb := &WorkerBus{
		id:       workerID,
		conn:     newConn(r, w, maxBytes),
		handlers: make(map[string][]Handler),
	}
	go wb.conn.readLoop(wb.dispatch)
	return wb
}

// OnMessage registers a handler for an envelope kind.
func (wb *WorkerBus) OnMessage(kind string, h Handler) {
	wb.mu.Lock()
	wb.handlers[kind] = append(wb.handlers[kind], h)
	wb.mu.Unlock()
}

func (wb *WorkerBus) dispatch(env *Envelope) {
	wb.mu.RLock()
	hs := wb.handlers[env.Kind]
	wb.mu.RUnlock()
	for _, h := range hs {
		h(env)
	}
}

// Send emits an envelope to the parent.
func (wb *WorkerBus) Send(kind string, payload any) error {
	if wb == nil {
		return nil
	}
	env, err := NewEnvelope(wb.id, ToParent, kind, payload)
	if err != nil {
		return err
	}
	return wb.conn.send(env)
}

// Reply answers an rpc_request received from the parent.
func (wb *WorkerBus) Reply(req *Envelope, payload any) error {
	if wb == nil {
		return nil
	}
	env, err := NewEnvelope(wb.id, ToParent, KindRPCReply, payload)
	if err != nil {
		return err
	}
	env.ReplyTo = req.ID
	return wb.conn.send(env)
}

// Close shuts the link down.
func (wb *WorkerBus) Close() {
	if wb == nil {
		return
	}
	wb.conn.close()
}
