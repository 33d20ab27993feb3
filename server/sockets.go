//go:build linux

package server

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// sockaddrToAddrPort 将内核地址转换为 netip.AddrPort
func sockaddrToAddrPort(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)), nil
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(a.Addr)
		if a.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(a.ZoneId)); err == nil {
				addr = addr.WithZone(ifi.Name)
			}
		}
		return netip.AddrPortFrom(addr, uint16(a.Port)), nil
	}
	return netip.AddrPort{}, fmt.Errorf("unsupported address type %T", sa)
}

// addrPortToSockaddr 是 sockaddrToAddrPort 的逆操作
func addrPortToSockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa
}

// unmapped 将 v4-mapped 地址还原为 IPv4 地址
func unmapped(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func familyOf(addr netip.Addr) int {
	if addr.Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// openListener 创建一个非阻塞的监听套接字.
// IPv6 套接字设置 IPV6_V6ONLY, 使 IPv4 连接只会出现在 IPv4 监听器上.
func openListener(ap netip.AddrPort, reuse bool) (int, netip.AddrPort, error) {
	family := familyOf(ap.Addr())
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, ap, fmt.Errorf("socket: %w", err)
	}
	fail := func(op string, err error) (int, netip.AddrPort, error) {
		unix.Close(fd)
		return -1, ap, fmt.Errorf("%s: %w", op, err)
	}
	if reuse {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fail("setsockopt SO_REUSEADDR", err)
		}
	}
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return fail("setsockopt IPV6_V6ONLY", err)
		}
	}
	if err := unix.Bind(fd, addrPortToSockaddr(ap)); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail("listen", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	bound, err := sockaddrToAddrPort(sa)
	if err != nil {
		return fail("getsockname", err)
	}
	return fd, bound, nil
}

// resolveHost 将主机名解析为监听地址; 空主机名表示通配地址
func resolveHost(ctx context.Context, host string, family int) ([]netip.Addr, error) {
	want := func(a netip.Addr) bool {
		switch family {
		case unix.AF_INET:
			return a.Is4()
		case unix.AF_INET6:
			return a.Is6()
		}
		return true
	}

	var candidates []netip.Addr
	switch {
	case host == "":
		candidates = []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()}
	default:
		if a, err := netip.ParseAddr(host); err == nil {
			candidates = []netip.Addr{a.Unmap()}
			break
		}
		network := "ip"
		switch family {
		case unix.AF_INET:
			network = "ip4"
		case unix.AF_INET6:
			network = "ip6"
		}
		found, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		for _, a := range found {
			candidates = append(candidates, a.Unmap())
		}
	}

	var out []netip.Addr
	seen := make(map[netip.Addr]bool)
	for _, a := range candidates {
		if want(a) && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("resolve %q: no usable address", host)
	}
	return out, nil
}
