//go:build linux

package server

import (
	"net/netip"
	"strconv"
	"strings"

	"ftpd/internal/reactor"

	"golang.org/x/sys/unix"
)

func (s *Session) handlePort(arg string) {
	target, ok := parsePort(arg)
	if !ok || !s.peer.Addr().Is4() || target.Addr() != s.peer.Addr() || target.Port() == 0 {
		s.reply(500, "Illegal PORT command.")
		return
	}
	s.clearData()
	s.data.port = target
	s.reply(200, "PORT command successful. Consider using PASV.")
}

func (s *Session) handleEprt(arg string) {
	target, proto, ok := parseEprt(arg)
	switch {
	case !ok:
		s.reply(500, "Bad EPRT command.")
		return
	case proto != 1 && proto != 2:
		s.reply(522, "Network protocol not supported, use (1,2)")
		return
	case target.Addr().WithZone("") != s.peer.Addr().WithZone(""):
		s.reply(500, "Illegal EPRT command.")
		return
	}
	s.clearData()
	s.data.port = netip.AddrPortFrom(s.peer.Addr(), target.Port())
	s.reply(200, "EPRT command successful. Consider using EPSV.")
}

// parsePort 解析 h1,h2,h3,h4,p1,p2
func parsePort(arg string) (netip.AddrPort, bool) {
	fields := strings.Split(strings.TrimSpace(arg), ",")
	if len(fields) != 6 {
		return netip.AddrPort{}, false
	}
	var b [6]byte
	for i, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 8)
		if err != nil {
			return netip.AddrPort{}, false
		}
		b[i] = byte(v)
	}
	addr := netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
	return netip.AddrPortFrom(addr, uint16(b[4])<<8|uint16(b[5])), true
}

// parseEprt 解析 <d>proto<d>addr<d>port<d>, d 是任意分隔符.
// 协议号不是 1 或 2 时 ok 仍为 true, 由调用方回复 522.
func parseEprt(arg string) (target netip.AddrPort, proto int, ok bool) {
	if len(arg) < 2 {
		return target, 0, false
	}
	delim := arg[:1]
	fields := strings.Split(arg[1:], delim)
	// 结尾的分隔符产生一个空字段
	if len(fields) != 4 || fields[3] != "" {
		return target, 0, false
	}
	proto, err := strconv.Atoi(fields[0])
	if err != nil {
		return target, 0, false
	}
	if proto != 1 && proto != 2 {
		return target, proto, true
	}
	addr, err := netip.ParseAddr(fields[1])
	if err != nil || (proto == 1) != addr.Is4() {
		return target, proto, false
	}
	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil || port == 0 {
		return target, proto, false
	}
	return netip.AddrPortFrom(addr, uint16(port)), proto, true
}

// connectActive 以非阻塞方式连接 PORT/EPRT 给出的地址, 完成后由 handleConnectEvents 接手
func (s *Session) connectActive() {
	d := &s.data
	target := d.port
	fd, err := unix.Socket(familyOf(target.Addr()), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		s.logger.WithError(err).Warn("创建数据连接失败")
		s.abortTransfer(425, "Server temporary unavailable.")
		return
	}
	if err := unix.Connect(fd, addrPortToSockaddr(target)); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		s.logger.WithError(err).WithField("target", target.String()).Info("主动模式连接失败")
		s.abortTransfer(425, "Can't open data connection.")
		return
	}
	entry := reactor.Entry{Kind: reactor.KindData, Owner: s, Handler: reactor.HandlerFunc(s.handleConnectEvents)}
	if err := s.srv.loop.Register(fd, reactor.EventWrite|reactor.EdgeTrigger, entry); err != nil {
		unix.Close(fd)
		s.logger.WithError(err).Warn("注册数据连接失败")
		s.abortTransfer(425, "Server temporary unavailable.")
		return
	}
	d.remoteFd = fd
	d.connecting = true
}

// handleConnectEvents 在连接完成 (或失败) 时被调用
func (s *Session) handleConnectEvents(events uint32) {
	d := &s.data
	if !d.connecting || d.remoteFd < 0 {
		return
	}
	soerr, err := unix.GetsockoptInt(d.remoteFd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soerr != 0 {
		err = unix.Errno(soerr)
	}
	if err == nil && events&(reactor.EventError|reactor.EventHangup) != 0 {
		err = unix.ECONNREFUSED
	}
	if err != nil {
		s.logger.WithError(err).WithField("target", d.port.String()).Info("主动模式连接失败")
		s.abortTransfer(425, "Can't open data connection.")
		return
	}
	if events&reactor.EventWrite == 0 {
		return
	}
	d.connecting = false
	s.tryStart()
}
