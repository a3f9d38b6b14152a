// Package netident resolves the address this host is reachable at, for
// self-registration with the discovery registry.
package netident

import (
	"net"
	"sort"

	rterrors "github.com/mkerber/busbridge/internal/runtime/errors"
)

// Interface is the slice of net.Interface that address resolution needs,
// with the addresses already materialised so it can be faked in tests.
type Interface struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// InterfaceSource allows overriding interface enumeration for testing.
var InterfaceSource = systemInterfaces

func systemInterfaces() ([]Interface, error) {
	sysIfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	ifaces := make([]Interface, 0, len(sysIfaces))
	for _, si := range sysIfaces {
		addrs, err := si.Addrs()
		if err != nil {
			// An interface that cannot report addresses is not a candidate.
			continue
		}
		ifaces = append(ifaces, Interface{Name: si.Name, Flags: si.Flags, Addrs: addrs})
	}
	return ifaces, nil
}

// Resolve returns the first externally reachable unicast address, walking
// interfaces in name order so the result is deterministic across calls.
// Loopback interfaces, interfaces that are down, and link-local addresses
// are skipped. IPv4 wins over IPv6 when both are present.
func Resolve() (string, error) {
	ifaces, err := InterfaceSource()
	if err != nil {
		return "", err
	}

	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })

	var fallback6 string
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		for _, addr := range ifc.Addrs {
			ip := ipOf(addr)
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4.String(), nil
			}
			if fallback6 == "" {
				fallback6 = ip.String()
			}
		}
	}

	if fallback6 != "" {
		return fallback6, nil
	}
	return "", rterrors.ErrNoReachableAddress
}

func ipOf(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPNet:
		return a.IP
	case *net.IPAddr:
		return a.IP
	default:
		return nil
	}
}
