package ndp6proxy

import (
	"container/list"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// requestExpiry bounds memory in the presence of unresolved targets; real
// NS/NA exchanges complete in well under a second on a healthy link, per
// spec.md §3/§4.5.
const requestExpiry = 10 * time.Second

// requestKey is the 4-tuple identity of a PendingRequest: source MAC, source
// IPv6, target IPv6 and arrival interface, all stringified so the key is
// comparable and hashable. Design Notes §9: the entry stores only its
// identifying key, never a back-reference into the ordered index.
type requestKey struct {
	SrcMAC    string
	SrcIP     string
	Target    string
	ArrivalIf string
}

func newRequestKey(srcMAC net.HardwareAddr, srcIP, target net.IP, arrivalIf string) requestKey {
	return requestKey{SrcMAC: srcMAC.String(), SrcIP: srcIP.String(), Target: target.String(), ArrivalIf: arrivalIf}
}

// PendingRequest represents an NS received on ArrivalIf for Target whose NA
// has not yet arrived, per spec.md §3.
type PendingRequest struct {
	SrcMAC      net.HardwareAddr
	SrcIP       net.IP
	Target      net.IP
	ArrivalIf   string
	RequestTime time.Time
}

type requestEntry struct {
	req PendingRequest
	key requestKey
	elt *list.Element // position in order, keyed by insertion time
}

// RequestManager tracks unresolved NS requests forwarded on behalf of remote
// solicitors and matches them against subsequent NA arrivals, per spec.md
// §4.5. All operations are safe for concurrent use; in this module they are
// only ever called from the Handler's single consumer goroutine, matching
// spec.md §5's "accessed only from the handler thread" rule.
type RequestManager struct {
	mu      sync.Mutex
	log     logrus.FieldLogger
	byKey   map[requestKey]*requestEntry
	byTgt   map[string]map[requestKey]struct{}
	order   *list.List // oldest-first list of requestKey
	nowFunc func() time.Time
}

// NewRequestManager returns an empty RequestManager.
func NewRequestManager(log logrus.FieldLogger) *RequestManager {
	return &RequestManager{
		log:     log,
		byKey:   make(map[requestKey]*requestEntry),
		byTgt:   make(map[string]map[requestKey]struct{}),
		order:   list.New(),
		nowFunc: time.Now,
	}
}

// AddRequest records a PendingRequest for an NS forwarded on behalf of
// srcMAC/srcIP soliciting target, received on arrivalIf. An identical
// 4-tuple is replaced, and sweepExpired runs afterward, per spec.md §4.5.
func (m *RequestManager) AddRequest(srcMAC net.HardwareAddr, srcIP, target net.IP, arrivalIf string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := newRequestKey(srcMAC, srcIP, target, arrivalIf)
	m.removeLocked(key)

	req := PendingRequest{
		SrcMAC:      srcMAC,
		SrcIP:       srcIP,
		Target:      target,
		ArrivalIf:   arrivalIf,
		RequestTime: m.now(),
	}
	entry := &requestEntry{req: req, key: key}
	entry.elt = m.order.PushBack(key)
	m.byKey[key] = entry
	if m.byTgt[key.Target] == nil {
		m.byTgt[key.Target] = make(map[requestKey]struct{})
	}
	m.byTgt[key.Target][key] = struct{}{}

	m.sweepExpiredLocked()
}

// MatchAndRespond invokes emit(srcMAC, srcIP, arrivalIf) for every pending
// request for target, deleting each as it is matched, then sweeps expired
// entries, per spec.md §4.5.
func (m *RequestManager) MatchAndRespond(target net.IP, emit func(srcMAC net.HardwareAddr, srcIP net.IP, arrivalIf string)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tgt := target.String()
	keys := m.byTgt[tgt]
	matched := make([]*requestEntry, 0, len(keys))
	for key := range keys {
		if entry, ok := m.byKey[key]; ok {
			matched = append(matched, entry)
		}
	}
	for _, entry := range matched {
		m.removeLocked(entry.key)
	}
	m.sweepExpiredLocked()

	for _, entry := range matched {
		emit(entry.req.SrcMAC, entry.req.SrcIP, entry.req.ArrivalIf)
	}
}

// sweepExpired removes entries older than requestExpiry. Exported for tests
// and for callers that want to force a sweep without mutating state.
func (m *RequestManager) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepExpiredLocked()
}

func (m *RequestManager) sweepExpiredLocked() {
	now := m.now()
	for front := m.order.Front(); front != nil; {
		next := front.Next()
		key := front.Value.(requestKey)
		entry, ok := m.byKey[key]
		if !ok {
			m.order.Remove(front)
			front = next
			continue
		}
		if now.Sub(entry.req.RequestTime) < requestExpiry {
			break
		}
		m.log.WithFields(logrus.Fields{
			"target": entry.req.Target,
			"iface":  entry.req.ArrivalIf,
		}).Debug("pending request expired")
		m.removeLocked(key)
		front = next
	}
}

func (m *RequestManager) removeLocked(key requestKey) {
	entry, ok := m.byKey[key]
	if !ok {
		return
	}
	if entry.elt != nil {
		m.order.Remove(entry.elt)
	}
	delete(m.byKey, key)
	if set := m.byTgt[key.Target]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(m.byTgt, key.Target)
		}
	}
}

// Len reports the number of pending requests currently tracked, for tests
// and diagnostics.
func (m *RequestManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

func (m *RequestManager) now() time.Time {
	if m.nowFunc != nil {
		return m.nowFunc()
	}
	return time.Now()
}
