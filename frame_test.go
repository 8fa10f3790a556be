package ndp6proxy

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInterface() *Interface {
	mac := net.HardwareAddr{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	return &Interface{Name: "eth0", MAC: mac, LinkLocal: deriveLinkLocal(mac)}
}

func TestSolicitedNodeMulticast(t *testing.T) {
	target := net.ParseIP("2001:db8::1:2:aabb:ccdd")
	mac := solicitedNodeMulticastMAC(target)
	assert.Equal(t, net.HardwareAddr{0x33, 0x33, 0xff, 0xbb, 0xcc, 0xdd}, mac)

	ip := solicitedNodeMulticastIP(target)
	assert.Equal(t, "ff02::1:ffbb:ccdd", ip.String())
}

func TestBuildSolicitationRoundTrips(t *testing.T) {
	sendingIf := testInterface()
	target := net.ParseIP("2001:db8::42")

	frame, err := BuildSolicitation(sendingIf, target)
	require.NoError(t, err)

	d, err := classify(frame)
	require.NoError(t, err)
	assert.Equal(t, kindNS, d.Kind)
	assert.True(t, d.Target.Equal(target))
	assert.Equal(t, sendingIf.MAC.String(), d.SrcMAC.String())
}

func TestBuildAdvertisementRoundTrips(t *testing.T) {
	sendingIf := testInterface()
	target := net.ParseIP("2001:db8::42")
	destMAC := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x66}
	destIP := net.ParseIP("2001:db8::99")

	frame, err := BuildAdvertisement(sendingIf, destMAC, destIP, target, true)
	require.NoError(t, err)

	d, err := classify(frame)
	require.NoError(t, err)
	assert.Equal(t, kindNA, d.Kind)
	assert.True(t, d.Target.Equal(target))
	assert.True(t, d.DstIP.Equal(destIP))

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	icmp6 := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
	ip6 := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	assert.Equal(t, uint8(255), ip6.HopLimit)
	assert.Equal(t, layers.ICMPv6TypeNeighborAdvertisement, icmp6.TypeCode.Type())
}

func TestClassifyDestinationUnreachable(t *testing.T) {
	offender := &layers.IPv6{
		Version: 6, NextHeader: layers.IPProtocolICMPv6, HopLimit: 64,
		SrcIP: net.ParseIP("2001:db8::1"),
		DstIP: net.ParseIP("2001:db8::dead"),
	}
	innerICMP := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0)}
	innerICMP.SetNetworkLayerForChecksum(offender)
	innerNS := &layers.ICMPv6NeighborSolicitation{TargetAddress: net.ParseIP("2001:db8::dead")}

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		offender, innerICMP, innerNS))
	// RFC 4443: 4 unused bytes precede the invoking packet in a DU body.
	innerPayload := append(make([]byte, 4), buf.Bytes()...)

	eth := &layers.Ethernet{SrcMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, DstMAC: net.HardwareAddr{0, 1, 2, 3, 4, 6}, EthernetType: layers.EthernetTypeIPv6}
	outerIP6 := &layers.IPv6{Version: 6, NextHeader: layers.IPProtocolICMPv6, HopLimit: 255, SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2")}
	duICMP := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeDestinationUnreachable, 3)}
	duICMP.SetNetworkLayerForChecksum(outerIP6)

	outerBuf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(outerBuf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, outerIP6, duICMP, gopacket.Payload(innerPayload)))

	d, err := classify(outerBuf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, kindDU, d.Kind)
	assert.Equal(t, uint8(3), d.DUCode)
	assert.True(t, d.DUTarget.Equal(net.ParseIP("2001:db8::dead")))
}

func TestClassifyMalformed(t *testing.T) {
	_, err := classify([]byte{0x00, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrMalformedPacket)
}
