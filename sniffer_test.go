package ndp6proxy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildFilterSingleInterface(t *testing.T) {
	ifaces := []*Interface{
		{Name: "eth0", MAC: net.HardwareAddr{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01}},
	}

	got := BuildFilter(ifaces)
	want := "icmp6 and (((ip6[40] = 135 or ip6[40] = 136) and not (ether src aa:aa:aa:aa:aa:01)) or ((ip6[40] = 1) and (ether src aa:aa:aa:aa:aa:01)))"
	assert.Equal(t, want, got)
}

func TestBuildFilterMultipleInterfaces(t *testing.T) {
	ifaces := []*Interface{
		{Name: "A", MAC: net.HardwareAddr{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01}},
		{Name: "B", MAC: net.HardwareAddr{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0x02}},
	}

	got := BuildFilter(ifaces)
	want := "icmp6 and (((ip6[40] = 135 or ip6[40] = 136) and not (ether src aa:aa:aa:aa:aa:01 or ether src bb:bb:bb:bb:bb:02)) or ((ip6[40] = 1) and (ether src aa:aa:aa:aa:aa:01 or ether src bb:bb:bb:bb:bb:02)))"
	assert.Equal(t, want, got)
}
