package dhcp

import (
	"bytes"
	"net"
)

// Lease-pool address arithmetic. The pool is validated as IPv4 at
// config load, so everything here works on the 4-byte form.

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	return append(net.IP(nil), ip...)
}

// incrementIP returns the successor address, carrying across octets.
func incrementIP(ip net.IP) net.IP {
	next := cloneIP(ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

// compareIP orders pool addresses bytewise; nil sorts first.
func compareIP(a, b net.IP) int {
	aa, bb := a.To4(), b.To4()
	switch {
	case aa == nil && bb == nil:
		return 0
	case aa == nil:
		return -1
	case bb == nil:
		return 1
	}
	return bytes.Compare(aa, bb)
}
