// Package netifaces enumerates network interfaces and resolves the interface
// a multicast group should be joined on.
package netifaces

import (
	"fmt"
	"net"
	"net/netip"
)

// InterfaceInfo holds one address of one network interface.
type InterfaceInfo struct {
	Name   string
	Index  int
	Flags  net.Flags
	Prefix netip.Prefix
}

// Interfaces returns every unicast address of every interface, IPv4 and
// IPv6 alike.
func Interfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var result []InterfaceInfo
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			result = append(result, InterfaceInfo{
				Name:   iface.Name,
				Index:  iface.Index,
				Flags:  iface.Flags,
				Prefix: netip.PrefixFrom(ip.Unmap(), ones),
			})
		}
	}

	return result, nil
}

// FindByName finds an interface by its OS name (e.g. "eth0").
func FindByName(name string) (*net.Interface, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s not found", name)
	}
	return iface, nil
}

// FindByIP finds the interface carrying the given address.
func FindByIP(ip netip.Addr) (*net.Interface, error) {
	ip = ip.Unmap()
	infos, err := Interfaces()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Prefix.Addr() == ip {
			return net.InterfaceByIndex(info.Index)
		}
	}
	return nil, fmt.Errorf("interface with IP %s not found", ip)
}

// FindByCIDR finds the first interface with an address inside network.
func FindByCIDR(network netip.Prefix) (*net.Interface, error) {
	infos, err := Interfaces()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if network.Contains(info.Prefix.Addr()) {
			return net.InterfaceByIndex(info.Index)
		}
	}
	return nil, fmt.Errorf("no interface found in network %s", network)
}

// Resolve turns an interface name, address or CIDR block into an interface.
// An empty spec resolves to nil, which lets the OS pick.
func Resolve(spec string) (*net.Interface, error) {
	if spec == "" {
		return nil, nil
	}
	if ip, err := netip.ParseAddr(spec); err == nil {
		return FindByIP(ip)
	}
	if network, err := netip.ParsePrefix(spec); err == nil {
		return FindByCIDR(network.Masked())
	}
	return FindByName(spec)
}
