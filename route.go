package ndp6proxy

import (
	"container/list"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RouteEntry represents a host known to live behind an interface, per
// spec.md §3.
type RouteEntry struct {
	Address   net.IP
	Interface string
	LastProbe time.Time
	Retries   int
}

type routeEntry struct {
	entry RouteEntry
	elt   *list.Element // position in the lastProbe-ascending order
}

// RouteRunner installs and removes host routes in the OS routing table. The
// default implementation shells out to `ip -6 route add|del`, per spec.md
// §6; tests supply a fake to assert on invocations without touching the
// host's routing table.
type RouteRunner interface {
	Add(addr net.IP, iface string) error
	Del(addr net.IP, iface string) error
}

// execRouteRunner is the production RouteRunner, logging the exact command
// it runs as spec.md §6 requires.
type execRouteRunner struct {
	log logrus.FieldLogger
}

func (r execRouteRunner) run(verb string, addr net.IP, iface string) error {
	args := []string{"-6", "route", verb, addr.String(), "dev", iface}
	r.log.WithField("cmd", "ip "+joinArgs(args)).Info("executing route command")
	cmd := exec.Command("ip", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %s: %w: %s", joinArgs(args), err, out)
	}
	return nil
}

func (r execRouteRunner) Add(addr net.IP, iface string) error { return r.run("add", addr, iface) }
func (r execRouteRunner) Del(addr net.IP, iface string) error { return r.run("del", addr, iface) }

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// ProbeCallback is the one-method seam the RouteManager uses to ask the
// handler to emit a fresh NS for a stale route, per Design Notes §9: the
// route manager must not know about Ethernet framing itself.
type ProbeCallback interface {
	Probe(addr net.IP, iface string)
}

// RouteManagerConfig are the initialization parameters from spec.md §4.6.
type RouteManagerConfig struct {
	CheckInterval  time.Duration
	ProbeInterval  time.Duration
	ProbeRetries   int
	SaveFile       string
	ProbeCallback  ProbeCallback
	Runner         RouteRunner
	KnownInterface func(name string) bool
}

// RouteManager tracks which interface each known host lives on, installing
// and removing host routes in the OS table, per spec.md §4.6.
type RouteManager struct {
	mu    sync.Mutex
	log   logrus.FieldLogger
	cfg   RouteManagerConfig
	byAdr map[string]*routeEntry
	order *list.List // lastProbe-ascending order of address strings

	nowFunc func() time.Time
}

// NewRouteManager constructs a RouteManager. cfg.Runner defaults to the
// `ip -6 route` shell-out implementation if nil.
func NewRouteManager(log logrus.FieldLogger, cfg RouteManagerConfig) *RouteManager {
	if cfg.Runner == nil {
		cfg.Runner = execRouteRunner{log: log}
	}
	return &RouteManager{
		log:     log,
		cfg:     cfg,
		byAdr:   make(map[string]*routeEntry),
		order:   list.New(),
		nowFunc: time.Now,
	}
}

// AddOrRefresh installs or refreshes the host route for address on iface.
// If address is known on a different interface the old route is removed
// (with a "host moved" warning) before the new one is installed, per
// spec.md §4.6 and invariant 2.
func (m *RouteManager) AddOrRefresh(address net.IP, iface string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := address.String()
	if existing, ok := m.byAdr[key]; ok {
		if existing.entry.Interface == iface {
			existing.entry.LastProbe = m.now()
			existing.entry.Retries = 0
			m.reindexLocked(existing)
			return
		}
		m.log.WithFields(logrus.Fields{
			"address": key, "from": existing.entry.Interface, "to": iface,
		}).Warn("host moved")
		m.deleteLocked(existing)
	}

	if err := m.cfg.Runner.Add(address, iface); err != nil {
		m.log.WithError(err).Error("route add failed")
	}
	entry := &routeEntry{entry: RouteEntry{Address: address, Interface: iface, LastProbe: m.now(), Retries: 0}}
	entry.elt = m.order.PushBack(key)
	m.byAdr[key] = entry
}

// Lookup returns the interface name address is known on, or "" if unknown.
func (m *RouteManager) Lookup(address net.IP) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byAdr[address.String()]
	if !ok {
		return "", false
	}
	return entry.entry.Interface, true
}

// Tick scans entries oldest-first, reprobing or expiring them, stopping as
// soon as an entry is within the fresh window, per spec.md §4.6.
func (m *RouteManager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for front := m.order.Front(); front != nil; {
		next := front.Next()
		key := front.Value.(string)
		entry, ok := m.byAdr[key]
		if !ok {
			m.order.Remove(front)
			front = next
			continue
		}
		if now.Sub(entry.entry.LastProbe) < m.cfg.ProbeInterval {
			break
		}

		entry.entry.Retries++
		if entry.entry.Retries > m.cfg.ProbeRetries {
			m.log.WithFields(logrus.Fields{"address": key, "iface": entry.entry.Interface}).Info("deleting expired route")
			m.deleteLocked(entry)
			front = next
			continue
		}

		entry.entry.LastProbe = now
		m.reindexLocked(entry)
		if m.cfg.ProbeCallback != nil {
			m.cfg.ProbeCallback.Probe(entry.entry.Address, entry.entry.Interface)
		}
		front = next
	}
}

// DebugDump logs the full route table at Debug level, a behavior carried
// over from the original RouteManager::printManagedRoutes (see SPEC_FULL.md
// §6).
func (m *RouteManager) DebugDump() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.order.Front(); e != nil; e = e.Next() {
		key := e.Value.(string)
		entry := m.byAdr[key]
		m.log.WithFields(logrus.Fields{
			"address": entry.entry.Address, "iface": entry.entry.Interface,
			"lastProbe": entry.entry.LastProbe, "retries": entry.entry.Retries,
		}).Debug("route")
	}
}

func (m *RouteManager) reindexLocked(e *routeEntry) {
	m.order.MoveToBack(e.elt)
}

func (m *RouteManager) deleteLocked(e *routeEntry) {
	if err := m.cfg.Runner.Del(e.entry.Address, e.entry.Interface); err != nil {
		m.log.WithError(err).Error("route del failed")
	}
	m.order.Remove(e.elt)
	delete(m.byAdr, e.entry.Address.String())
}

// savedRoute and savedRoutesFile are the JSON persistence schema from
// spec.md §6.
type savedRoute struct {
	Address       string `json:"address"`
	InterfaceName string `json:"interfaceName"`
}

type savedRoutesFile struct {
	SavedRoutes []savedRoute `json:"savedRoutes"`
}

// SaveRoutes persists the current (address, interface) pairs as JSON to
// cfg.SaveFile. A no-op if SaveFile is empty. IO errors are warned about,
// not propagated, per the SaveFileIOError policy in spec.md §7.
func (m *RouteManager) SaveRoutes() {
	if m.cfg.SaveFile == "" {
		return
	}
	m.mu.Lock()
	doc := savedRoutesFile{SavedRoutes: make([]savedRoute, 0, len(m.byAdr))}
	for _, e := range m.byAdr {
		doc.SavedRoutes = append(doc.SavedRoutes, savedRoute{
			Address:       e.entry.Address.String(),
			InterfaceName: e.entry.Interface,
		})
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		m.log.WithError(err).Warn("failed to marshal saved routes")
		return
	}
	if err := os.WriteFile(m.cfg.SaveFile, data, 0o644); err != nil {
		m.log.WithError(err).Warn("failed to write saved routes file")
	}
}

// LoadRoutes reads cfg.SaveFile (if set and present) and, for every entry
// whose interface is still configured, immediately re-probes it rather than
// trusting it outright, per spec.md §4.6.
func (m *RouteManager) LoadRoutes() {
	if m.cfg.SaveFile == "" {
		return
	}
	data, err := os.ReadFile(m.cfg.SaveFile)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.WithError(err).Warn("failed to read saved routes file")
		}
		return
	}

	var doc savedRoutesFile
	if err := json.Unmarshal(data, &doc); err != nil {
		m.log.WithError(err).Warn("failed to parse saved routes file")
		return
	}

	for _, sr := range doc.SavedRoutes {
		ip := net.ParseIP(sr.Address)
		if ip == nil {
			m.log.WithField("address", sr.Address).Warn("dropping saved route: unparseable address")
			continue
		}
		if m.cfg.KnownInterface != nil && !m.cfg.KnownInterface(sr.InterfaceName) {
			m.log.WithFields(logrus.Fields{"address": sr.Address, "iface": sr.InterfaceName}).Warn("dropping saved route: interface no longer configured")
			continue
		}
		if m.cfg.ProbeCallback != nil {
			m.cfg.ProbeCallback.Probe(ip, sr.InterfaceName)
		}
	}
}

// OnExit saves routes (if configured) then removes every installed host
// route, per spec.md §4.6.
func (m *RouteManager) OnExit() {
	m.SaveRoutes()

	m.mu.Lock()
	entries := make([]*routeEntry, 0, len(m.byAdr))
	for _, e := range m.byAdr {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		m.mu.Lock()
		m.deleteLocked(e)
		m.mu.Unlock()
	}
}

func (m *RouteManager) now() time.Time {
	if m.nowFunc != nil {
		return m.nowFunc()
	}
	return time.Now()
}
