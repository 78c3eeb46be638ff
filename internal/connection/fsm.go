package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Machine drives a single one-shot connection through its lifecycle.
// State changes only in response to Connect, Close and the events reported by
// the transport. Transitions are serialized and observers are notified in
// transition order.
type Machine struct {
	mu sync.RWMutex

	// queue holds applied transitions awaiting delivery. It is appended to
	// while mu is held so delivery follows transition order. A single
	// goroutine drains it at a time; transitions triggered from inside an
	// observer are queued behind the one being delivered.
	notifyMu   sync.Mutex
	queue      []pending
	delivering bool

	name      string
	transport Transport

	state     State
	lastError error
	endpoint  Endpoint

	// link is created lazily by a successful Connect.
	link Link

	// cancel aborts the in-flight attempt.
	cancel context.CancelFunc

	// done is closed once the attempt has an outcome.
	done     chan struct{}
	doneOnce sync.Once

	observers []Observer

	createdAt      time.Time
	lastTransition time.Time
	connectedSince time.Time
}

// Config holds configuration for creating a Machine.
type Config struct {
	Name      string
	Transport Transport
	Observers []Observer
}

// New creates a Machine in the Ready state. A nil Transport defaults to TCP.
func New(cfg Config) *Machine {
	tr := cfg.Transport
	if tr == nil {
		tr = &TCPTransport{}
	}
	now := time.Now()
	m := &Machine{
		name:           cfg.Name,
		transport:      tr,
		state:          StateReady,
		done:           make(chan struct{}),
		observers:      append([]Observer(nil), cfg.Observers...),
		createdAt:      now,
		lastTransition: now,
	}
	return m
}

// Name returns the machine's name.
func (m *Machine) Name() string {
	return m.name
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastError returns the error attached to the most recent transition.
func (m *Machine) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Link returns the established link, or nil if not connected.
func (m *Machine) Link() Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link
}

// Endpoint returns the endpoint passed to Connect.
func (m *Machine) Endpoint() Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoint
}

// AddObserver adds an observer to receive state change notifications.
func (m *Machine) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Done returns a channel that is closed once the connection attempt has an
// outcome (Connected, Errored or Closed).
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the attempt has an outcome or ctx is done, and returns the
// state at that point.
func (m *Machine) Wait(ctx context.Context) (State, error) {
	select {
	case <-m.done:
		return m.State(), nil
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

// Connect starts a connection attempt to ep. It is valid only from Ready and
// returns as soon as the attempt is scheduled; the outcome is reported through
// the state, observers and Done. Cancelling ctx before the outcome closes the
// machine.
func (m *Machine) Connect(ctx context.Context, ep Endpoint) error {
	m.mu.Lock()
	switch m.state {
	case StateReady:
	case StateErrored:
		m.mu.Unlock()
		log.Info().Str("conn", m.name).Msg(ErrConnectInErrorState.Error())
		return ErrConnectInErrorState
	default:
		from := m.state
		m.mu.Unlock()
		return NewTransitionError(from, StateConnecting, m.name, "connect is only valid from ready")
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.endpoint = ep
	m.notify(m.transitionLocked(StateConnecting, "connect "+ep.String(), nil))

	go m.watchCancel(attemptCtx)

	m.transport.Open(attemptCtx, ep, Events{
		OnSuccess: m.onSuccess,
		OnFailure: m.onFailure,
		OnClose:   m.onClose,
	})
	return nil
}

// Close closes the link if present and moves the machine to Closed. Closing a
// machine in a terminal state only closes a leftover link. When called while
// observers are being notified, Close returns before its own transition is
// delivered.
func (m *Machine) Close() error {
	m.mu.Lock()
	link := m.link
	m.link = nil
	if m.state.IsTerminal() {
		m.mu.Unlock()
		return closeLink(link)
	}
	m.notify(m.transitionLocked(StateClosed, "local close", nil))

	// The link's close callback sees a terminal state and is ignored.
	return closeLink(link)
}

func closeLink(link Link) error {
	if link == nil {
		return nil
	}
	return link.Close()
}

func (m *Machine) watchCancel(ctx context.Context) {
	select {
	case <-m.done:
	case <-ctx.Done():
		m.mu.Lock()
		if m.state != StateConnecting {
			m.mu.Unlock()
			return
		}
		m.notify(m.transitionLocked(StateClosed, "connect cancelled", ctx.Err()))
	}
}

func (m *Machine) onSuccess(link Link) {
	m.mu.Lock()
	if m.state != StateConnecting {
		state := m.state
		m.mu.Unlock()
		log.Debug().
			Str("conn", m.name).
			Str("state", state.String()).
			Msg("dropping connection established after attempt ended")
		_ = link.Close()
		return
	}
	m.link = link
	m.connectedSince = time.Now()
	m.notify(m.transitionLocked(StateConnected, "connection established", nil))
}

func (m *Machine) onFailure(err error) {
	if err == nil {
		err = errors.New("connection failed")
	}
	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		log.Debug().Str("conn", m.name).Err(err).Msg("ignoring failure after attempt ended")
		return
	}
	m.notify(m.transitionLocked(StateErrored, "connection failed", err))
}

func (m *Machine) onClose(err error) {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected:
	default:
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.notify(m.transitionLocked(StateClosed, "peer closed", err))
}

// pending is a transition that has been applied but not yet delivered.
type pending struct {
	t         Transition
	observers []Observer
	// resolves marks the outcome of the attempt; Done closes after it is
	// delivered.
	resolves bool
}

// transitionLocked applies a transition. m.mu must be held; notify releases it.
// Callers have already checked the source state, so an invalid target here is
// a programming error.
func (m *Machine) transitionLocked(target State, reason string, err error) pending {
	from := m.state
	if !from.CanTransitionTo(target) {
		panic(NewTransitionError(from, target, m.name, "unchecked transition"))
	}

	now := time.Now()
	m.state = target
	m.lastError = err
	m.lastTransition = now

	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)

	return pending{
		t: Transition{
			Name:      m.name,
			From:      from,
			To:        target,
			Timestamp: now,
			Reason:    reason,
			Error:     err,
		},
		observers: observers,
		resolves:  target != StateConnecting,
	}
}

// notify queues p, releases m.mu and drains the queue unless another call is
// already draining it. A call made from inside an observer returns at once and
// its transition is delivered by the outer call.
func (m *Machine) notify(p pending) {
	m.notifyMu.Lock()
	m.queue = append(m.queue, p)
	m.mu.Unlock()
	if m.delivering {
		m.notifyMu.Unlock()
		return
	}
	m.delivering = true
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.notifyMu.Unlock()
		m.deliver(next)
		m.notifyMu.Lock()
	}
	m.delivering = false
	m.notifyMu.Unlock()
}

func (m *Machine) deliver(p pending) {
	t := p.t
	logEvent := log.Debug().
		Str("conn", t.Name).
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Str("reason", t.Reason)
	if t.Error != nil {
		logEvent = logEvent.Err(t.Error)
	}
	logEvent.Msg("connection state transition")

	for _, o := range p.observers {
		o.OnTransition(t)
	}
	if p.resolves {
		m.finish()
	}
}

// finish marks the attempt as resolved.
func (m *Machine) finish() {
	m.doneOnce.Do(func() {
		m.mu.RLock()
		cancel := m.cancel
		m.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		close(m.done)
	})
}

// ConnectionInfo contains snapshot information about a connection.
type ConnectionInfo struct {
	Name           string
	Endpoint       string
	State          State
	LastError      error
	CreatedAt      time.Time
	LastTransition time.Time
	ConnectedSince time.Time
	HasLink        bool
}

// Info returns a snapshot of the machine's current state.
func (m *Machine) Info() ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := ConnectionInfo{
		Name:           m.name,
		State:          m.state,
		LastError:      m.lastError,
		CreatedAt:      m.createdAt,
		LastTransition: m.lastTransition,
		HasLink:        m.link != nil,
	}
	if m.endpoint.Host != "" {
		info.Endpoint = m.endpoint.String()
	}
	if m.state == StateConnected {
		info.ConnectedSince = m.connectedSince
	}
	return info
}
