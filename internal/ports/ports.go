// Package ports leases numeric ports from the four fixed ranges every exam
// session needs (desktop video, shell terminal, shell jumphost and cluster
// API).
//
// Each range is owned by one mutex-guarded map; nothing outside the package
// can reach it. The persisted lease hash in the store is the cross-instance
// backstop: a lease is only granted after a conditional HSETNX on its
// "range:port" field succeeds.
package ports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/certlab/exam-runtime/internal/apperr"
	"github.com/certlab/exam-runtime/internal/config"
	"github.com/certlab/exam-runtime/internal/metrics"
	"github.com/certlab/exam-runtime/internal/store"
	log "github.com/sirupsen/logrus"
)

// Range names, in allocation order.
const (
	RangeDesktop    = "desktop"
	RangeTerminal   = "terminal"
	RangeJumphost   = "jumphost"
	RangeClusterAPI = "cluster-api"
)

var rangeOrder = []string{RangeDesktop, RangeTerminal, RangeJumphost, RangeClusterAPI}

const (
	leasesKey  = "ports:leases"
	defaultTTL = 24 * time.Hour
)

func sessionKey(id string) string { return "ports:session:" + id }

func field(rangeName string, port int) string {
	return rangeName + ":" + strconv.Itoa(port)
}

func parseField(f string) (string, int, bool) {
	i := strings.LastIndexByte(f, ':')
	if i <= 0 {
		return "", 0, false
	}
	port, err := strconv.Atoi(f[i+1:])
	if err != nil {
		return "", 0, false
	}
	return f[:i], port, true
}

// Allocation is the set of ports one session holds, keyed by range name.
type Allocation struct {
	SessionID string         `json:"sessionId"`
	Ports     map[string]int `json:"ports"`
}

// Lease is one (range, port, session) claim.
type Lease struct {
	Range     string `json:"range"`
	Port      int    `json:"port"`
	SessionID string `json:"sessionId"`
}

type portRange struct {
	mu        sync.Mutex
	name      string
	min, max  int
	leases    map[int]string // port -> session
	bySession map[string]int // session -> port
}

func (r *portRange) set(port int, sessionID string) {
	r.leases[port] = sessionID
	r.bySession[sessionID] = port
}

func (r *portRange) unset(port int) {
	if holder, ok := r.leases[port]; ok {
		delete(r.leases, port)
		if r.bySession[holder] == port {
			delete(r.bySession, holder)
		}
	}
}

// Allocator hands out and reclaims port leases.
type Allocator struct {
	store  *store.Store
	ranges map[string]*portRange

	syncMu sync.Mutex
	synced bool
}

// New builds an allocator for the given ranges. All four named ranges must
// be present.
func New(s *store.Store, ranges map[string]config.PortRange) (*Allocator, error) {
	a := &Allocator{store: s, ranges: map[string]*portRange{}}
	for _, name := range rangeOrder {
		pr, ok := ranges[name]
		if !ok {
			return nil, fmt.Errorf("port range %s not configured", name)
		}
		a.ranges[name] = &portRange{
			name:      name,
			min:       pr.Min,
			max:       pr.Max,
			leases:    map[int]string{},
			bySession: map[string]int{},
		}
	}
	return a, nil
}

func (a *Allocator) ensureSynced(ctx context.Context) error {
	a.syncMu.Lock()
	done := a.synced
	a.syncMu.Unlock()
	if done {
		return nil
	}
	return a.Resync(ctx)
}

// Allocate leases one port from every range for sessionID. It is
// all-or-nothing: if any range fails the ranges already leased are released
// before the error is returned. A session that already holds a lease in a
// range gets the same port back. ttl bounds the per-session record so
// abandoned leases can be reclaimed.
func (a *Allocator) Allocate(ctx context.Context, sessionID string, ttl time.Duration) (*Allocation, error) {
	if sessionID == "" {
		return nil, apperr.New("ports.allocate", apperr.Invalid, "session id is required")
	}
	if err := a.ensureSynced(ctx); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	alloc := &Allocation{SessionID: sessionID, Ports: map[string]int{}}
	// Written first so a concurrent resync never mistakes our in-flight
	// leases for abandoned ones.
	if err := a.store.SetJSON(ctx, sessionKey(sessionID), alloc, ttl); err != nil {
		return nil, fmt.Errorf("write port session record: %w", err)
	}

	for _, name := range rangeOrder {
		port, err := a.allocateIn(ctx, a.ranges[name], sessionID)
		if err != nil {
			a.rollback(ctx, sessionID, alloc.Ports)
			return nil, err
		}
		alloc.Ports[name] = port
	}

	if err := a.store.SetJSON(ctx, sessionKey(sessionID), alloc, ttl); err != nil {
		a.rollback(ctx, sessionID, alloc.Ports)
		return nil, fmt.Errorf("write port session record: %w", err)
	}
	log.WithField("session", sessionID).Infof("[ports] allocated %v", alloc.Ports)
	return alloc, nil
}

func (a *Allocator) allocateIn(ctx context.Context, r *portRange, sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if port, ok := r.bySession[sessionID]; ok {
		return port, nil
	}
	for port := r.min; port <= r.max; port++ {
		if _, taken := r.leases[port]; taken {
			continue
		}
		ok, err := a.store.HSetNX(ctx, leasesKey, field(r.name, port), sessionID)
		if err != nil {
			return 0, fmt.Errorf("lease %s: %w", field(r.name, port), err)
		}
		if !ok {
			// Another instance holds it; remember that and keep scanning.
			holder, err := a.store.HGet(ctx, leasesKey, field(r.name, port))
			if err == nil {
				if holder == sessionID {
					r.set(port, sessionID)
					metrics.PortsLeased.WithLabelValues(r.name).Set(float64(len(r.leases)))
					return port, nil
				}
				r.set(port, holder)
			}
			continue
		}
		r.set(port, sessionID)
		metrics.PortsLeased.WithLabelValues(r.name).Set(float64(len(r.leases)))
		return port, nil
	}
	metrics.PortAllocationFailures.WithLabelValues(r.name).Inc()
	return 0, apperr.New("ports.allocate", apperr.ResourceExhausted,
		"port range %s (%d-%d) exhausted", r.name, r.min, r.max)
}

// rollback undoes a partial allocation by the exact (range, port) pairs it
// leased. A concurrent Resync may have rebuilt the in-memory maps from a
// snapshot taken before those leases existed, so the maps are not consulted
// to find them.
func (a *Allocator) rollback(ctx context.Context, sessionID string, leased map[string]int) {
	logger := log.WithField("session", sessionID)
	for name, port := range leased {
		r := a.ranges[name]
		r.mu.Lock()
		if _, err := a.store.HDelIfEqual(ctx, leasesKey, field(name, port), sessionID); err != nil {
			logger.Warnf("[ports] rollback %s: %v", field(name, port), err)
		}
		if r.leases[port] == sessionID {
			r.unset(port)
		}
		metrics.PortsLeased.WithLabelValues(name).Set(float64(len(r.leases)))
		r.mu.Unlock()
	}
	if err := a.store.Delete(ctx, sessionKey(sessionID)); err != nil {
		logger.Warnf("[ports] rollback: delete session record: %v", err)
	}
}

// Release frees every lease sessionID holds, including leases granted by
// other instances. Releasing a session with no leases is not an error.
func (a *Allocator) Release(ctx context.Context, sessionID string) error {
	if err := a.ensureSynced(ctx); err != nil {
		return err
	}
	all, err := a.store.HGetAll(ctx, leasesKey)
	if err != nil {
		return fmt.Errorf("read leases: %w", err)
	}
	var firstErr error
	for f, holder := range all {
		if holder != sessionID {
			continue
		}
		if _, err := a.store.HDelIfEqual(ctx, leasesKey, f, sessionID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("release %s: %w", f, err)
		}
	}
	for _, r := range a.ranges {
		r.mu.Lock()
		if port, ok := r.bySession[sessionID]; ok {
			r.unset(port)
		}
		metrics.PortsLeased.WithLabelValues(r.name).Set(float64(len(r.leases)))
		r.mu.Unlock()
	}
	if err := a.store.Delete(ctx, sessionKey(sessionID)); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return firstErr
	}
	log.WithField("session", sessionID).Info("[ports] released")
	return nil
}

// ReleasePort frees a single lease. If the port is not held by sessionID
// the call is a no-op that logs the conflict, so racing double releases can
// never free another session's port.
func (a *Allocator) ReleasePort(ctx context.Context, rangeName string, port int, sessionID string) error {
	r, ok := a.ranges[rangeName]
	if !ok {
		return apperr.New("ports.release", apperr.Invalid, "unknown port range %q", rangeName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted, err := a.store.HDelIfEqual(ctx, leasesKey, field(rangeName, port), sessionID)
	if err != nil {
		return fmt.Errorf("release %s: %w", field(rangeName, port), err)
	}
	holder, inMemory := r.leases[port]
	if !deleted && (!inMemory || holder != sessionID) {
		log.WithFields(log.Fields{
			"range":   rangeName,
			"port":    port,
			"claimed": sessionID,
			"holder":  holder,
		}).Warn("[ports] release conflict: port not owned by claimed session")
		return nil
	}
	if inMemory && holder == sessionID {
		r.unset(port)
	}
	metrics.PortsLeased.WithLabelValues(rangeName).Set(float64(len(r.leases)))
	return nil
}

// Resync rebuilds the in-memory view from the persisted hash. Leases whose
// session record has expired belong to abandoned sessions and are
// reclaimed.
func (a *Allocator) Resync(ctx context.Context) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	all, err := a.store.HGetAll(ctx, leasesKey)
	if err != nil {
		return fmt.Errorf("read leases: %w", err)
	}

	alive := map[string]bool{}
	fresh := map[string]map[int]string{}
	for _, name := range rangeOrder {
		fresh[name] = map[int]string{}
	}
	reclaimed := 0
	for f, holder := range all {
		name, port, ok := parseField(f)
		if !ok || fresh[name] == nil {
			log.Warnf("[ports] ignoring malformed lease field %q", f)
			continue
		}
		live, seen := alive[holder]
		if !seen {
			_, err := a.store.Get(ctx, sessionKey(holder))
			switch {
			case err == nil:
				live = true
			case errors.Is(err, store.ErrNotFound):
				live = false
			default:
				return fmt.Errorf("read port session %s: %w", holder, err)
			}
			alive[holder] = live
		}
		if !live {
			if _, err := a.store.HDelIfEqual(ctx, leasesKey, f, holder); err != nil {
				return fmt.Errorf("reclaim %s: %w", f, err)
			}
			reclaimed++
			continue
		}
		fresh[name][port] = holder
	}

	for name, leases := range fresh {
		r := a.ranges[name]
		r.mu.Lock()
		r.leases = map[int]string{}
		r.bySession = map[string]int{}
		for port, holder := range leases {
			if port < r.min || port > r.max {
				continue
			}
			r.set(port, holder)
		}
		metrics.PortsLeased.WithLabelValues(name).Set(float64(len(r.leases)))
		r.mu.Unlock()
	}
	a.synced = true
	if reclaimed > 0 {
		log.Infof("[ports] resync reclaimed %d abandoned leases", reclaimed)
	}
	return nil
}

// Leases returns the leases of one range ordered by port.
func (a *Allocator) Leases(rangeName string) []Lease {
	r, ok := a.ranges[rangeName]
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Lease, 0, len(r.leases))
	for port, holder := range r.leases {
		out = append(out, Lease{Range: rangeName, Port: port, SessionID: holder})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// RangeUsage summarises one range for the admin API.
type RangeUsage struct {
	Name   string  `json:"name"`
	Min    int     `json:"min"`
	Max    int     `json:"max"`
	Leased int     `json:"leased"`
	Leases []Lease `json:"leases"`
}

// Snapshot returns every range's leases in allocation order.
func (a *Allocator) Snapshot() []RangeUsage {
	out := make([]RangeUsage, 0, len(rangeOrder))
	for _, name := range rangeOrder {
		r := a.ranges[name]
		leases := a.Leases(name)
		out = append(out, RangeUsage{Name: name, Min: r.min, Max: r.max, Leased: len(leases), Leases: leases})
	}
	return out
}
