package ndp6proxy

import (
	"fmt"
	"math/rand"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// NA flag bits per RFC 4861 §4.4.
const (
	naFlagRouter    = 0x80
	naFlagSolicited = 0x40
	naFlagOverride  = 0x20
)

// hopLimit is mandatory per RFC 4861 §7.1: NDP messages are only accepted by
// conforming receivers with hop limit 255, which also makes them
// unforgeable by anything more than one hop away.
const hopLimit = 255

// solicitedNodeMulticastMAC returns 33:33:ff:XX:YY:ZZ for target, XX:YY:ZZ
// being its last three bytes, per RFC 4291.
func solicitedNodeMulticastMAC(target net.IP) net.HardwareAddr {
	t := target.To16()
	return net.HardwareAddr{0x33, 0x33, 0xff, t[13], t[14], t[15]}
}

// solicitedNodeMulticastIP returns ff02::1:ffXX:YYZZ for target.
func solicitedNodeMulticastIP(target net.IP) net.IP {
	t := target.To16()
	ip := net.IP{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0xff, t[13], t[14], t[15]}
	return ip
}

func randomFlowLabel() uint32 {
	return rand.Uint32() & 0xfffff
}

func serializeFrame(eth *layers.Ethernet, ip6 *layers.IPv6, icmp6 *layers.ICMPv6, ndp gopacket.SerializableLayer) ([]byte, error) {
	icmp6.SetNetworkLayerForChecksum(ip6)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip6, icmp6, ndp); err != nil {
		return nil, fmt.Errorf("serialize ndp frame: %w", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// BuildSolicitation constructs an Ethernet+IPv6+ICMPv6 Neighbor Solicitation
// sent out of sendingIf for target, per SPEC_FULL.md §5.2 / spec.md §4.2.
func BuildSolicitation(sendingIf *Interface, target net.IP) ([]byte, error) {
	dstMAC := solicitedNodeMulticastMAC(target)
	dstIP := solicitedNodeMulticastIP(target)

	eth := &layers.Ethernet{
		SrcMAC:       sendingIf.MAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		FlowLabel:  randomFlowLabel(),
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   hopLimit,
		SrcIP:      sendingIf.LinkLocal,
		DstIP:      dstIP,
	}
	icmp6 := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0),
	}
	ns := &layers.ICMPv6NeighborSolicitation{
		TargetAddress: target,
		Options: layers.ICMPv6Options{
			{Type: layers.ICMPv6OptSourceAddress, Data: sendingIf.MAC},
		},
	}
	return serializeFrame(eth, ip6, icmp6, ns)
}

// BuildAdvertisement constructs an Ethernet+IPv6+ICMPv6 Neighbor
// Advertisement sent out of sendingIf to (destMAC, destIP) for target, with
// router and override flags always set and solicited taken from the
// parameter, per spec.md §4.2.
func BuildAdvertisement(sendingIf *Interface, destMAC net.HardwareAddr, destIP net.IP, target net.IP, solicited bool) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       sendingIf.MAC,
		DstMAC:       destMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		FlowLabel:  randomFlowLabel(),
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   hopLimit,
		SrcIP:      sendingIf.LinkLocal,
		DstIP:      destIP,
	}
	icmp6 := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0),
	}
	flags := uint8(naFlagRouter | naFlagOverride)
	if solicited {
		flags |= naFlagSolicited
	}
	na := &layers.ICMPv6NeighborAdvertisement{
		Flags:         flags,
		TargetAddress: target,
		Options: layers.ICMPv6Options{
			{Type: layers.ICMPv6OptTargetAddress, Data: sendingIf.MAC},
		},
	}
	return serializeFrame(eth, ip6, icmp6, na)
}

// decoded is the parsed form of a captured frame handed to the Handler by a
// Sniffer through the Queue. Exactly one of the Kind-specific fields below
// is meaningful, selected by Kind.
type decoded struct {
	Kind      frameKind
	SrcMAC    net.HardwareAddr
	SrcIP     net.IP
	DstMAC    net.HardwareAddr
	DstIP     net.IP
	Target    net.IP // NS/NA target address
	DUCode    uint8  // Destination Unreachable code
	DUTarget  net.IP // original destination extracted from DU payload
	RawLength int
}

type frameKind int

const (
	kindOther frameKind = iota
	kindNS
	kindNA
	kindDU
)

// duPayloadTargetOffset is the byte offset of the destination address field
// of the embedded offending IPv6 header inside a Destination Unreachable
// ICMPv6 payload: 4 bytes of unused ICMPv6 header fields + 24 bytes into the
// inner IPv6 header (src 16 bytes skipped, dst starts at offset 24).
const duPayloadTargetOffset = 4 + 24

// classify decodes a raw captured Ethernet frame into a decoded value.
// It returns ErrMalformedPacket if the frame lacks an Ethernet/IPv6/ICMPv6
// layer or, for a Destination Unreachable, its payload is shorter than the
// embedded header requires.
func classify(data []byte) (decoded, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	if err := pkt.ErrorLayer(); err != nil {
		return decoded{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err.Error())
	}

	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	ip6Layer := pkt.Layer(layers.LayerTypeIPv6)
	icmp6Layer := pkt.Layer(layers.LayerTypeICMPv6)
	if ethLayer == nil || ip6Layer == nil || icmp6Layer == nil {
		return decoded{}, fmt.Errorf("%w: missing eth/ip6/icmp6 layer", ErrMalformedPacket)
	}
	eth := ethLayer.(*layers.Ethernet)
	ip6 := ip6Layer.(*layers.IPv6)
	icmp6 := icmp6Layer.(*layers.ICMPv6)

	d := decoded{SrcMAC: eth.SrcMAC, DstMAC: eth.DstMAC, SrcIP: ip6.SrcIP, DstIP: ip6.DstIP}

	switch icmp6.TypeCode.Type() {
	case layers.ICMPv6TypeNeighborSolicitation:
		if l := pkt.Layer(layers.LayerTypeICMPv6NeighborSolicitation); l != nil {
			ns := l.(*layers.ICMPv6NeighborSolicitation)
			d.Kind = kindNS
			d.Target = ns.TargetAddress
		}
	case layers.ICMPv6TypeNeighborAdvertisement:
		if l := pkt.Layer(layers.LayerTypeICMPv6NeighborAdvertisement); l != nil {
			na := l.(*layers.ICMPv6NeighborAdvertisement)
			d.Kind = kindNA
			d.Target = na.TargetAddress
		}
	case layers.ICMPv6TypeDestinationUnreachable:
		payload := icmp6.LayerPayload()
		if len(payload) < duPayloadTargetOffset+16 {
			return decoded{}, fmt.Errorf("%w: short DU payload (%d bytes)", ErrMalformedPacket, len(payload))
		}
		d.Kind = kindDU
		d.DUCode = uint8(icmp6.TypeCode.Code())
		d.DUTarget = net.IP(append([]byte(nil), payload[duPayloadTargetOffset:duPayloadTargetOffset+16]...))
	default:
		d.Kind = kindOther
	}
	return d, nil
}
