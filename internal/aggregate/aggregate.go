// Package aggregate accumulates per-device byte counters between flushes.
package aggregate

import (
	"net"
	"net/netip"
	"sync"

	"github.com/vesaa/hotspotmon/internal/classify"
)

// Entry is the drained state of one hardware address.
type Entry struct {
	Uploaded   uint64
	Downloaded uint64
	// IP is the last network address seen for the device; it may be invalid
	// when only counts were recorded.
	IP netip.Addr
}

// Total returns the sum of both directions.
func (e Entry) Total() uint64 { return e.Uploaded + e.Downloaded }

// Snapshot maps the canonical hardware address string (net.HardwareAddr.String)
// to its drained entry.
type Snapshot map[string]Entry

type state struct {
	counters map[string]*Entry
}

func newState() *state {
	return &state{counters: make(map[string]*Entry)}
}

// Aggregator is safe for concurrent use. A single mutex guards the counter
// map; DrainAll swaps the map out so its critical section does not depend on
// the number of devices.
type Aggregator struct {
	mu sync.Mutex
	st *state
}

// New returns an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{st: newState()}
}

// entry must be called with mu held.
func (a *Aggregator) entry(mac net.HardwareAddr) *Entry {
	// string(mac) in a map index does not allocate; only the first insert does.
	e, ok := a.st.counters[string(mac)]
	if !ok {
		e = &Entry{}
		a.st.counters[string(mac)] = e
	}
	return e
}

// Record adds n bytes to the counter of mac in the given direction. Ignore is
// a no-op.
func (a *Aggregator) Record(mac net.HardwareAddr, dir classify.Direction, n uint64) {
	a.Observe(mac, dir, n, netip.Addr{})
}

// ObserveAddress overwrites the last-seen address of mac.
func (a *Aggregator) ObserveAddress(mac net.HardwareAddr, ip netip.Addr) {
	if len(mac) == 0 || !ip.IsValid() {
		return
	}
	a.mu.Lock()
	a.entry(mac).IP = ip
	a.mu.Unlock()
}

// Observe records n bytes and the address ip for mac under a single lock
// acquisition. An invalid ip leaves the last-seen address unchanged.
func (a *Aggregator) Observe(mac net.HardwareAddr, dir classify.Direction, n uint64, ip netip.Addr) {
	if len(mac) == 0 || dir == classify.Ignore {
		return
	}
	a.mu.Lock()
	e := a.entry(mac)
	switch dir {
	case classify.Upload:
		e.Uploaded += n
	case classify.Download:
		e.Downloaded += n
	}
	if ip.IsValid() {
		e.IP = ip
	}
	a.mu.Unlock()
}

// Apply feeds a classifier verdict into the aggregator.
func (a *Aggregator) Apply(v classify.Verdict) {
	if v.Length <= 0 {
		return
	}
	a.Observe(v.HardwareAddr, v.Direction, uint64(v.Length), v.IP)
}

// Len returns the number of hardware addresses currently tracked.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.st.counters)
}

// DrainAll atomically removes every counter and returns them. Updates made
// after DrainAll returns land in the next snapshot.
func (a *Aggregator) DrainAll() Snapshot {
	a.mu.Lock()
	old := a.st
	a.st = newState()
	a.mu.Unlock()

	if len(old.counters) == 0 {
		return Snapshot{}
	}
	snap := make(Snapshot, len(old.counters))
	for k, e := range old.counters {
		snap[net.HardwareAddr(k).String()] = *e
	}
	return snap
}
