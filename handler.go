package ndp6proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HandlerConfig are the tunables that spec.md §6 exposes as CLI flags.
// Runner overrides the RouteManager's OS route command runner; tests supply
// a fake here, production leaves it nil to get the `ip -6 route` shell-out.
type HandlerConfig struct {
	CheckInterval time.Duration
	ProbeInterval time.Duration
	ProbeRetries  int
	SaveFile      string
	Runner        RouteRunner
	LogLevel      logrus.Level
}

// Handler is the central NDP state machine tying together the interface
// registry, request manager, route manager and per-interface senders, per
// spec.md §4.7. One Handler instance owns the whole relay lifecycle; it
// replaces the teacher's module-level globals with an explicit, constructed
// object per Design Notes §9.
type Handler struct {
	log      logrus.FieldLogger
	registry *Registry
	queue    *Queue
	requests *RequestManager
	routes   *RouteManager

	// mu serializes handler dispatch with route-manager ticks, matching
	// spec.md §5's "coarse mutex covering both" guidance.
	mu      sync.Mutex
	senders map[string]FrameSender

	tickInterval time.Duration
	logLevel     logrus.Level
}

// NewHandler constructs a Handler. senders must contain one FrameSender per
// registered Interface, keyed by Interface.Name.
func NewHandler(log logrus.FieldLogger, registry *Registry, queue *Queue, senders map[string]FrameSender, cfg HandlerConfig) *Handler {
	h := &Handler{
		log:          log,
		registry:     registry,
		queue:        queue,
		senders:      senders,
		tickInterval: cfg.CheckInterval,
		logLevel:     cfg.LogLevel,
	}
	h.requests = NewRequestManager(log.WithField("component", "request"))
	h.routes = NewRouteManager(log.WithField("component", "route"), RouteManagerConfig{
		CheckInterval:  cfg.CheckInterval,
		ProbeInterval:  cfg.ProbeInterval,
		ProbeRetries:   cfg.ProbeRetries,
		SaveFile:       cfg.SaveFile,
		ProbeCallback:  h,
		Runner:         cfg.Runner,
		KnownInterface: func(name string) bool { return registry.Lookup(name) != nil },
	})
	return h
}

// Routes exposes the route manager for startup (LoadRoutes) and shutdown
// (OnExit) orchestration by cmd/ndp6proxy.
func (h *Handler) Routes() *RouteManager { return h.routes }

// Probe implements ProbeCallback: it emits a fresh NS for addr out of iface,
// invoked by the RouteManager on tick reprobes and on saved-route restore.
func (h *Handler) Probe(addr net.IP, iface string) {
	ifc := h.registry.Lookup(iface)
	if ifc == nil {
		return
	}
	h.sendNS(ifc, addr)
}

// Run is the single consumer loop: it pops frames off the queue and
// dispatches them until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	go h.tickLoop(ctx)

	for {
		item, ok := h.queue.Pop(ctx)
		if !ok {
			return
		}
		h.mu.Lock()
		h.dispatch(item)
		h.mu.Unlock()
	}
}

func (h *Handler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			h.routes.Tick()
			if h.logLevel >= logrus.DebugLevel {
				h.routes.DebugDump()
			}
			h.mu.Unlock()
		}
	}
}

// Shutdown drains the route manager's exit hook (save + remove all
// installed routes), per spec.md §4.6/§5.
func (h *Handler) Shutdown() {
	h.routes.OnExit()
}

func (h *Handler) dispatch(item queueItem) {
	switch item.Packet.Kind {
	case kindNS:
		h.handleNS(item.Iface, item.Packet)
	case kindNA:
		h.handleNA(item.Iface, item.Packet)
	case kindDU:
		h.handleDU(item.Iface, item.Packet)
	}
}

func (h *Handler) handleNS(arrival *Interface, d decoded) {
	target := d.Target
	if isLinkLocal(target) {
		return
	}

	if onIface, known := h.routes.Lookup(target); known {
		if onIface != arrival.Name {
			h.sendNA(arrival, d.SrcMAC, d.SrcIP, target, true)
			h.log.WithFields(logrus.Fields{"target": target, "iface": arrival.Name}).Debug("NS answered as proxy reply")
		}
		// else: solicitor and target share a broadcast domain; nothing to do.
		return
	}

	h.requests.AddRequest(d.SrcMAC, d.SrcIP, target, arrival.Name)
	for _, other := range h.registry.All() {
		if other.Name == arrival.Name {
			continue
		}
		h.sendNS(other, target)
	}
}

func (h *Handler) handleNA(arrival *Interface, d decoded) {
	target := d.Target
	if isLinkLocal(target) {
		return
	}

	h.routes.AddOrRefresh(target, arrival.Name)

	if d.DstIP.IsMulticast() {
		for _, forwardTo := range h.registry.All() {
			if forwardTo.Name == arrival.Name {
				continue
			}
			// sendingIf = forwardTo per spec.md §9's Open Question resolution,
			// not the arriving interface.
			h.sendNA(forwardTo, d.DstMAC, d.DstIP, target, false)
		}
	}

	h.requests.MatchAndRespond(target, func(srcMAC net.HardwareAddr, srcIP net.IP, arrivalIf string) {
		solicitor := h.registry.Lookup(arrivalIf)
		if solicitor == nil {
			return
		}
		h.sendNA(solicitor, srcMAC, srcIP, target, true)
	})
}

func (h *Handler) handleDU(arrival *Interface, d decoded) {
	target := d.DUTarget
	if isLinkLocal(target) {
		return
	}
	if d.DUCode != 0 && d.DUCode != 3 {
		return
	}
	for _, other := range h.registry.All() {
		if other.Name == arrival.Name {
			continue
		}
		h.sendNS(other, target)
	}
}

func (h *Handler) sendNS(sendingIf *Interface, target net.IP) {
	frame, err := BuildSolicitation(sendingIf, target)
	if err != nil {
		h.log.WithError(err).Error("failed to build NS")
		return
	}
	h.write(sendingIf, frame)
}

func (h *Handler) sendNA(sendingIf *Interface, destMAC net.HardwareAddr, destIP, target net.IP, solicited bool) {
	frame, err := BuildAdvertisement(sendingIf, destMAC, destIP, target, solicited)
	if err != nil {
		h.log.WithError(err).Error("failed to build NA")
		return
	}
	h.write(sendingIf, frame)
}

func (h *Handler) write(iface *Interface, frame []byte) {
	sender, ok := h.senders[iface.Name]
	if !ok {
		h.log.WithField("iface", iface.Name).Error("no sender registered for interface")
		return
	}
	if err := sender.Send(frame); err != nil {
		h.log.WithError(err).WithField("iface", iface.Name).Error("failed to send frame")
	}
}
