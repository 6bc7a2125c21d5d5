// Package network_pool allocates jail addresses from the jail subnet.
//
// There is no allocation state besides the ledger: an address is taken
// exactly when some jail block lists it in ip4.addr.
package network_pool

import (
	"encoding/binary"
	"net"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/jailconf"
)

// Gateway is the first host address of the subnet. It is configured on the
// host's cloned interface and never handed to a jail.
func Gateway(ipNet *net.IPNet) net.IP {
	return nextIP(ipNet.IP.Mask(ipNet.Mask))
}

// AvailableAddress returns the lowest host address of ipNet that is neither
// the gateway nor listed by any jail. ok is false when the subnet is
// exhausted.
func AvailableAddress(conf *jailconf.Conf, ipNet *net.IPNet) (net.IP, bool) {
	taken := map[uint32]bool{
		toUint32(Gateway(ipNet)): true,
	}

	for _, block := range conf.Jails() {
		for _, ip := range Addresses(block) {
			taken[toUint32(ip)] = true
		}
	}

	first, last, ok := hostRange(ipNet)
	if !ok {
		return nil, false
	}

	for n := first; ; n++ {
		if !taken[n] {
			return fromUint32(n), true
		}

		if n == last {
			return nil, false
		}
	}
}

// Addresses returns the IPv4 addresses of a jail block, reading both the
// scalar and the list form of ip4.addr. Entries that are not plain IPv4
// addresses are skipped.
func Addresses(block *jailconf.Block) []net.IP {
	value, found := block.Get(mjail.IP4AddrParam)
	if !found {
		return nil
	}

	var ips []net.IP

	for _, item := range value.Items() {
		ip := net.ParseIP(item).To4()
		if ip != nil {
			ips = append(ips, ip)
		}
	}

	return ips
}

// Owner returns the name of the jail listing ip, if any.
func Owner(conf *jailconf.Conf, ip net.IP) (string, bool) {
	for _, block := range conf.Jails() {
		for _, addr := range Addresses(block) {
			if addr.Equal(ip) {
				return block.Name, true
			}
		}
	}

	return "", false
}

// hostRange is the range of usable host addresses: the network and
// broadcast addresses are excluded except for /31 and /32 subnets, which
// have none.
func hostRange(ipNet *net.IPNet) (uint32, uint32, bool) {
	network := ipNet.IP.Mask(ipNet.Mask).To4()
	if network == nil {
		return 0, 0, false
	}

	ones, bits := ipNet.Mask.Size()
	if bits != 32 {
		return 0, 0, false
	}

	first := toUint32(network)
	last := first | ^binary.BigEndian.Uint32(net.IP(ipNet.Mask).To4())

	if ones >= 31 {
		return first, last, true
	}

	return first + 1, last - 1, true
}

func nextIP(ip net.IP) net.IP {
	next := net.ParseIP(ip.String())
	inc(next)
	return next.To4()
}

func inc(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

func toUint32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func fromUint32(n uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
