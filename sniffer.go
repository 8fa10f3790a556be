package ndp6proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"
)

// snaplen is generous enough for an Ethernet+IPv6+ICMPv6 NDP frame plus
// options; NDP messages are always small.
const snaplen = 1600

// FrameSender emits a fully-built frame out of a specific interface. A
// *Sniffer satisfies this interface using the same pcap.Handle it captures
// with, so the Handler never needs a second open handle per interface.
type FrameSender interface {
	Send(frame []byte) error
}

// Sniffer captures ICMPv6 frames on one Interface matching a BPF filter and
// enqueues them, decoded, onto a shared Queue, per spec.md §4.4.
type Sniffer struct {
	iface  *Interface
	queue  *Queue
	log    logrus.FieldLogger
	handle *pcap.Handle
}

// NewSniffer constructs a Sniffer for iface. Start must be called before it
// captures anything.
func NewSniffer(iface *Interface, queue *Queue, log logrus.FieldLogger) *Sniffer {
	return &Sniffer{iface: iface, queue: queue, log: log.WithField("iface", iface.Name)}
}

// BuildFilter constructs the two-disjunct BPF expression from spec.md §4.4:
// NS/NA from any source except the proxy's own interfaces, plus DU
// originating from the proxy's own interfaces.
func BuildFilter(ifaces []*Interface) string {
	macs := make([]string, 0, len(ifaces))
	for _, ifc := range ifaces {
		macs = append(macs, fmt.Sprintf("ether src %s", ifc.MAC))
	}
	ownMACs := strings.Join(macs, " or ")

	return fmt.Sprintf(
		"icmp6 and (((ip6[40] = 135 or ip6[40] = 136) and not (%s)) or ((ip6[40] = 1) and (%s)))",
		ownMACs, ownMACs,
	)
}

// Start opens the capture handle, installs the BPF filter built from all
// ifaces, signals readiness on ready, and then loops capturing frames until
// ctx is done. A failure to open the handle or install the filter is
// returned as an error and is fatal at the caller's discretion
// (SniffCaptureError, per spec.md §7).
func (s *Sniffer) Start(ctx context.Context, ifaces []*Interface, ready chan<- struct{}) error {
	handle, err := pcap.OpenLive(s.iface.Name, snaplen, true, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrSniffCapture, s.iface.Name, err)
	}

	filter := BuildFilter(ifaces)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return fmt.Errorf("%w: set filter on %s: %v", ErrSniffCapture, s.iface.Name, err)
	}
	s.log.WithField("filter", filter).Info("listening")
	s.handle = handle

	close(ready)

	go s.loop(ctx)
	return nil
}

func (s *Sniffer) loop(ctx context.Context) {
	defer s.handle.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, ci, err := s.handle.ReadPacketData()
		if err != nil {
			if err == pcap.NextErrorTimeoutExpired {
				continue
			}
			s.log.WithError(err).Error("capture read failed")
			return
		}

		d, err := classify(data)
		if err != nil {
			s.log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		if d.Kind == kindOther {
			continue
		}
		s.queue.Push(queueItem{Iface: s.iface, Packet: d, Captured: ci.Timestamp})
	}
}

// Send writes frame out of this sniffer's interface using its capture
// handle, per the packet sender abstraction in spec.md §2.
func (s *Sniffer) Send(frame []byte) error {
	if s.handle == nil {
		return fmt.Errorf("sniffer for %s not started", s.iface.Name)
	}
	return s.handle.WritePacketData(frame)
}

// Close releases the underlying capture handle.
func (s *Sniffer) Close() {
	if s.handle != nil {
		s.handle.Close()
	}
}
