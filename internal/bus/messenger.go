// Package bus is the cross-shard message fabric: fire-and-forget broadcasts
// and scatter-gather request/response over a shared broker. Gathers complete
// on a timeout with whatever responses arrived; the protocol tolerates
// reordering, duplication and loss rather than requiring unanimity.
package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// DefaultRequestTimeout bounds RequestAll when the caller passes no timeout.
const DefaultRequestTimeout = 5 * time.Second

// Mode is the messenger's connection state.
type Mode int32

const (
	ModeUninitialized Mode = iota
	// ModeSingleProcess short-circuits everything locally; the bus is never
	// touched when this shard is the whole cluster.
	ModeSingleProcess
	ModeConnected
	// ModeDegraded means the broker was unreachable. Operations still
	// complete using local data only.
	ModeDegraded
)

func (m Mode) String() string {
	switch m {
	case ModeSingleProcess:
		return "single-process"
	case ModeConnected:
		return "connected"
	case ModeDegraded:
		return "degraded"
	default:
		return "uninitialized"
	}
}

// HandlerFunc answers one request type from this shard's local state.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// BroadcastFunc reacts to one broadcast type.
type BroadcastFunc func(data json.RawMessage)

type pendingRequest struct {
	responses []Response
	expected  int
	resolved  bool
	done      chan struct{}
}

// Messenger coordinates this shard with the rest of the cluster.
type Messenger struct {
	shardID        int
	totalShards    int
	ps             PubSub
	defaultTimeout time.Duration
	debug          bool

	mode atomic.Int32

	mu         sync.Mutex
	handlers   map[string]HandlerFunc
	broadcasts map[string][]BroadcastFunc
	pending    map[string]*pendingRequest

	sub    Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a Messenger.
type Options struct {
	ShardID        int
	TotalShards    int
	DefaultTimeout time.Duration
	Debug          bool
}

// New creates a Messenger. ps may be nil when TotalShards is 1.
func New(ps PubSub, opts Options) *Messenger {
	if opts.TotalShards < 1 {
		opts.TotalShards = 1
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultRequestTimeout
	}
	return &Messenger{
		shardID:        opts.ShardID,
		totalShards:    opts.TotalShards,
		ps:             ps,
		defaultTimeout: opts.DefaultTimeout,
		debug:          opts.Debug,
		handlers:       make(map[string]HandlerFunc),
		broadcasts:     make(map[string][]BroadcastFunc),
		pending:        make(map[string]*pendingRequest),
	}
}

func (m *Messenger) ShardID() int     { return m.shardID }
func (m *Messenger) TotalShards() int { return m.totalShards }
func (m *Messenger) Mode() Mode       { return Mode(m.mode.Load()) }

func (m *Messenger) debugf(format string, args ...any) {
	if m.debug {
		log.Printf(format, args...)
	}
}

// Handle registers the local answer for one request type. The dispatch table
// is meant to be filled at startup, before Start.
func (m *Messenger) Handle(typ string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[typ] = fn
}

// OnBroadcast registers a reaction to one broadcast type.
func (m *Messenger) OnBroadcast(typ string, fn BroadcastFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts[typ] = append(m.broadcasts[typ], fn)
}

// Start connects the messenger to the broker. A single-shard cluster skips
// the bus entirely; an unreachable broker leaves the messenger degraded, not
// broken.
func (m *Messenger) Start(ctx context.Context) {
	if m.totalShards <= 1 {
		m.mode.Store(int32(ModeSingleProcess))
		log.Printf("[BUS] single shard, running without the bus")
		return
	}
	if m.ps == nil {
		m.mode.Store(int32(ModeDegraded))
		log.Printf("[BUS] no broker configured, cluster aggregation degraded to single-node")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	sub, err := m.ps.Subscribe(ctx, ChannelBroadcast, ChannelRequest, ChannelResponse)
	if err != nil {
		m.mode.Store(int32(ModeDegraded))
		log.Printf("[BUS] broker unreachable, cluster aggregation degraded to single-node: %v", err)
		return
	}
	m.sub = sub
	m.mode.Store(int32(ModeConnected))
	log.Printf("[BUS] connected: shard %d of %d", m.shardID, m.totalShards)

	m.wg.Add(1)
	go m.receiveLoop(ctx)
}

// Stop disconnects from the broker and resolves every outstanding gather with
// the responses collected so far.
func (m *Messenger) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.sub != nil {
		_ = m.sub.Close()
	}

	m.mu.Lock()
	for id, p := range m.pending {
		m.resolveLocked(id, p)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Messenger) receiveLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				if m.mode.CompareAndSwap(int32(ModeConnected), int32(ModeDegraded)) {
					log.Printf("[BUS] subscription closed, degrading to single-node")
				}
				return
			}
			m.handleMessage(ctx, msg)
		}
	}
}

func (m *Messenger) handleMessage(ctx context.Context, msg Message) {
	metricReceived.WithLabelValues(msg.Channel).Inc()

	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		metricDropped.WithLabelValues("malformed").Inc()
		log.Printf("[BUS] dropping malformed envelope on %s: %v", msg.Channel, err)
		return
	}

	switch msg.Channel {
	case ChannelBroadcast:
		if env.ShardID == m.shardID {
			metricDropped.WithLabelValues("self").Inc()
			return
		}
		m.dispatchBroadcast(env.Type, env.Data)

	case ChannelRequest:
		// Own requests are answered through the local path in RequestAll,
		// never by loopback through the bus.
		if env.ShardID == m.shardID {
			metricDropped.WithLabelValues("self").Inc()
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.answerRequest(ctx, env)
		}()

	case ChannelResponse:
		m.deliverResponse(env)
	}
}

func (m *Messenger) dispatchBroadcast(typ string, data json.RawMessage) {
	m.mu.Lock()
	fns := make([]BroadcastFunc, len(m.broadcasts[typ]))
	copy(fns, m.broadcasts[typ])
	m.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}

// callHandler runs the dispatch-table entry for typ against local state.
func (m *Messenger) callHandler(ctx context.Context, typ string, data json.RawMessage) (json.RawMessage, string) {
	m.mu.Lock()
	fn, ok := m.handlers[typ]
	m.mu.Unlock()

	if !ok {
		metricDropped.WithLabelValues("unknown_request").Inc()
		return nil, "unknown request type: " + typ
	}

	result, err := fn(ctx, data)
	if err != nil {
		return nil, err.Error()
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, "unencodable response: " + err.Error()
	}
	return raw, ""
}

func (m *Messenger) answerRequest(ctx context.Context, env Envelope) {
	raw, errStr := m.callHandler(ctx, env.Type, env.Data)

	resp := newEnvelope(env.Type, m.shardID, env.RequestID, raw)
	resp.Error = errStr
	m.publish(ctx, ChannelResponse, resp)
}

func (m *Messenger) deliverResponse(env Envelope) {
	if env.RequestID == "" || env.ShardID == m.shardID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[env.RequestID]
	if !ok || p.resolved {
		// Late or foreign response; the gather already completed.
		return
	}
	p.responses = append(p.responses, Response{ShardID: env.ShardID, Data: env.Data, Err: env.Error})
	if len(p.responses) >= p.expected {
		m.resolveLocked(env.RequestID, p)
	}
}

// resolveLocked completes a pending gather exactly once. Callers hold m.mu.
func (m *Messenger) resolveLocked(id string, p *pendingRequest) {
	if p.resolved {
		return
	}
	p.resolved = true
	close(p.done)
	delete(m.pending, id)
}

func (m *Messenger) publish(ctx context.Context, channel string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := m.ps.Publish(ctx, channel, payload); err != nil {
		m.debugf("[BUS] publish to %s failed: %v", channel, err)
		return err
	}
	metricPublished.WithLabelValues(channel).Inc()
	return nil
}

// Broadcast delivers (typ, data) to every shard, fire-and-forget. Local
// subscribers run synchronously; remote delivery is best-effort and failures
// are reported back, not swallowed.
func (m *Messenger) Broadcast(ctx context.Context, typ string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	m.dispatchBroadcast(typ, payload)

	if m.Mode() != ModeConnected {
		return nil
	}
	return m.publish(ctx, ChannelBroadcast, newEnvelope(typ, m.shardID, "", payload))
}

// localResponse answers this shard's own request through the dispatch table.
func (m *Messenger) localResponse(ctx context.Context, typ string, data json.RawMessage) Response {
	raw, errStr := m.callHandler(ctx, typ, data)
	return Response{ShardID: m.shardID, Data: raw, Err: errStr}
}

// RequestAll asks every shard for typ and gathers responses until all have
// answered or timeout elapses, whichever is first. A timeout is not an error:
// the responses collected so far are returned. This shard always answers
// itself locally, so single-process and degraded modes work without the bus.
func (m *Messenger) RequestAll(ctx context.Context, typ string, data any, timeout time.Duration) ([]Response, error) {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	local := m.localResponse(ctx, typ, payload)
	if m.Mode() != ModeConnected || m.totalShards <= 1 {
		return []Response{local}, nil
	}

	id := newRequestID(m.shardID)
	p := &pendingRequest{
		responses: []Response{local},
		expected:  m.totalShards,
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.pending[id] = p
	m.mu.Unlock()

	if err := m.publish(ctx, ChannelRequest, newEnvelope(typ, m.shardID, id, payload)); err != nil {
		m.mu.Lock()
		m.resolveLocked(id, p)
		snapshot := append([]Response(nil), p.responses...)
		m.mu.Unlock()
		return snapshot, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		metricGatherTimeouts.Inc()
		m.debugf("[BUS] gather %s timed out after %v", id, timeout)
	case <-ctx.Done():
	}

	m.mu.Lock()
	m.resolveLocked(id, p)
	snapshot := append([]Response(nil), p.responses...)
	m.mu.Unlock()
	return snapshot, nil
}
