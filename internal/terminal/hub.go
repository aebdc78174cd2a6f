package terminal

import (
	"context"
	"io"
	"sync"

	"github.com/certlab/exam-runtime/internal/apperr"
	"github.com/certlab/exam-runtime/internal/fanout"
	"github.com/certlab/exam-runtime/internal/keylock"
	"github.com/certlab/exam-runtime/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// Upstream is one live shell connection.
type Upstream interface {
	io.Reader
	io.Writer
	Resize(cols, rows uint16) error
	Close() error
}

// DialFunc opens a new upstream shell.
type DialFunc func(ctx context.Context) (Upstream, error)

// clientBuffer is how many output chunks a client may lag behind before it
// is dropped.
const clientBuffer = 256

type upstream struct {
	key     string
	conn    Upstream
	backlog *backlog
	clients int // guarded by the hub's key lock

	writeMu sync.Mutex

	mu     sync.Mutex // orders backlog writes against new subscriptions
	closed bool

	closeOnce sync.Once
}

// Hub multiplexes client attachments onto upstream shells. Upstreams are
// keyed strictly by terminal session id: every client of one key shares a
// single upstream, and the upstream is closed once its last client leaves.
type Hub struct {
	locks keylock.Map

	mu    sync.Mutex
	conns map[string]*upstream

	out         *fanout.Fanout[[]byte]
	backlogSize int
}

func NewHub() *Hub {
	return &Hub{
		conns:       map[string]*upstream{},
		out:         fanout.New[[]byte](),
		backlogSize: defaultBacklogSize,
	}
}

// Attachment is one client's handle on a shared upstream.
type Attachment struct {
	// Backlog is recent output produced before this client attached.
	Backlog []byte
	// Output receives upstream output. It is closed when the upstream ends,
	// when the terminal is invalidated, or when this client falls too far
	// behind.
	Output <-chan []byte

	hub  *Hub
	up   *upstream
	sub  *fanout.Subscription[[]byte]
	once sync.Once
}

// Attach joins the upstream for key, dialing it if this is the first
// client.
func (h *Hub) Attach(ctx context.Context, key string, dial DialFunc) (*Attachment, error) {
	unlock := h.locks.Lock(key)
	defer unlock()

	h.mu.Lock()
	u := h.conns[key]
	h.mu.Unlock()

	if u == nil {
		conn, err := dial(ctx)
		if err != nil {
			return nil, apperr.Wrap("terminal.attach", apperr.RuntimeUnavailable, err)
		}
		u = &upstream{key: key, conn: conn, backlog: newBacklog(h.backlogSize)}
		h.mu.Lock()
		h.conns[key] = u
		h.mu.Unlock()
		metrics.TerminalUpstreams.Inc()
		log.WithField("terminal", key).Info("[terminal] upstream opened")
		go h.relay(u)
	}

	u.mu.Lock()
	snapshot := u.backlog.Snapshot()
	sub := h.out.Subscribe(key, clientBuffer)
	u.mu.Unlock()

	u.clients++
	metrics.TerminalClients.Inc()
	return &Attachment{Backlog: snapshot, Output: sub.C, hub: h, up: u, sub: sub}, nil
}

// relay copies upstream output to every attached client until the
// upstream ends.
func (h *Hub) relay(u *upstream) {
	buf := make([]byte, 32*1024)
	for {
		n, err := u.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			u.mu.Lock()
			if !u.closed {
				u.backlog.Write(data)
				h.out.Broadcast(u.key, data)
			}
			u.mu.Unlock()
		}
		if err != nil {
			unlock := h.locks.Lock(u.key)
			h.closeUpstream(u, "upstream ended")
			unlock()
			return
		}
	}
}

// closeUpstream tears down u exactly once. Callers hold the key lock.
func (h *Hub) closeUpstream(u *upstream, reason string) {
	u.closeOnce.Do(func() {
		u.mu.Lock()
		u.closed = true
		u.mu.Unlock()

		h.mu.Lock()
		if h.conns[u.key] == u {
			delete(h.conns, u.key)
		}
		h.mu.Unlock()

		h.out.Close(u.key)
		if err := u.conn.Close(); err != nil {
			log.WithField("terminal", u.key).Debugf("[terminal] close upstream: %v", err)
		}
		metrics.TerminalUpstreams.Dec()
		log.WithField("terminal", u.key).Infof("[terminal] upstream closed: %s", reason)
	})
}

func (h *Hub) detach(a *Attachment) {
	unlock := h.locks.Lock(a.up.key)
	defer unlock()

	a.sub.Unsubscribe()
	a.up.clients--
	metrics.TerminalClients.Dec()
	if a.up.clients == 0 {
		h.closeUpstream(a.up, "last client detached")
	}
}

// Close forcibly ends the upstream for key and disconnects its clients.
func (h *Hub) Close(key string) {
	unlock := h.locks.Lock(key)
	defer unlock()

	h.mu.Lock()
	u := h.conns[key]
	h.mu.Unlock()
	if u != nil {
		h.closeUpstream(u, "terminal invalidated")
	}
}

// Clients returns how many clients are attached to key.
func (h *Hub) Clients(key string) int {
	unlock := h.locks.Lock(key)
	defer unlock()
	h.mu.Lock()
	u := h.conns[key]
	h.mu.Unlock()
	if u == nil {
		return 0
	}
	return u.clients
}

// Open reports whether an upstream exists for key.
func (h *Hub) Open(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[key]
	return ok
}

// Write sends client input upstream. Writes from different clients of the
// same upstream never interleave.
func (a *Attachment) Write(p []byte) (int, error) {
	a.up.writeMu.Lock()
	defer a.up.writeMu.Unlock()
	return a.up.conn.Write(p)
}

func (a *Attachment) Resize(cols, rows uint16) error {
	return a.up.conn.Resize(cols, rows)
}

// Detach leaves the upstream. The last client to detach closes it. Safe to
// call more than once.
func (a *Attachment) Detach() {
	a.once.Do(func() { a.hub.detach(a) })
}
