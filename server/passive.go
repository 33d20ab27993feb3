//go:build linux

package server

import (
	"fmt"
	"net/netip"
	"strconv"

	"ftpd/internal/reactor"

	"golang.org/x/sys/unix"
)

func (s *Session) handlePasv(string) {
	s.clearData()
	if !s.local.Addr().Is4() {
		s.reply(522, "No IPv4 address available for PASV. Use EPSV.")
		return
	}
	bound, err := s.openPassive()
	if err != nil {
		s.logger.WithError(err).Warn("PASV 失败")
		s.reply(451, "Server temporary unavailable.")
		return
	}
	s.reply(227, "Entering Passive Mode ("+pasvAddress(bound)+")")
}

func (s *Session) handleEpsv(string) {
	s.clearData()
	bound, err := s.openPassive()
	if err != nil {
		s.logger.WithError(err).Warn("EPSV 失败")
		s.reply(451, "Server temporary unavailable.")
		return
	}
	s.reply(229, "Entering Extended Passive Mode (|||"+strconv.Itoa(int(bound.Port()))+"|)")
}

// openPassive 在控制连接的本端地址上监听一个临时端口
func (s *Session) openPassive() (netip.AddrPort, error) {
	fd, bound, err := openListener(netip.AddrPortFrom(s.local.Addr(), 0), false)
	if err != nil {
		return bound, err
	}
	entry := reactor.Entry{Kind: reactor.KindPassive, Owner: s, Handler: reactor.HandlerFunc(s.handlePassiveEvents)}
	if err := s.srv.loop.Register(fd, reactor.EventRead|reactor.EdgeTrigger, entry); err != nil {
		unix.Close(fd)
		return bound, fmt.Errorf("register passive listener: %w", err)
	}
	s.data.pasvFd = fd
	return bound, nil
}

// handlePassiveEvents 接受数据连接. 来自其他主机的连接被拒绝, 继续等待.
func (s *Session) handlePassiveEvents(events uint32) {
	d := &s.data
	if d.pasvFd < 0 {
		return
	}
	if events&reactor.EventRead != 0 {
		for d.pasvFd >= 0 {
			fd, sa, err := unix.Accept4(d.pasvFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			if err != nil {
				if err == unix.EINTR || err == unix.ECONNABORTED {
					continue
				}
				if err != unix.EAGAIN {
					s.logger.WithError(err).Warn("接受数据连接失败")
				}
				break
			}
			peer, err := sockaddrToAddrPort(sa)
			if err != nil || unmapped(peer).Addr() != s.peer.Addr() {
				s.logger.WithField("data_peer", peer.String()).Warn("拒绝来自其他地址的数据连接")
				unix.Close(fd)
				continue
			}
			if err := s.srv.loop.Track(fd, reactor.Entry{Kind: reactor.KindData, Owner: s}); err != nil {
				s.logger.WithError(err).Warn("登记数据连接失败")
				unix.Close(fd)
				continue
			}
			s.closeFD(&d.pasvFd)
			d.remoteFd = fd
			s.tryStart()
			return
		}
	}
	if events&(reactor.EventError|reactor.EventHangup) != 0 && d.pasvFd >= 0 {
		s.closeFD(&d.pasvFd)
		if d.localFd >= 0 {
			s.abortTransfer(425, "Can't open data connection.")
		}
	}
}

// pasvAddress 按 PASV 回复格式编码 h1,h2,h3,h4,p1,p2
func pasvAddress(ap netip.AddrPort) string {
	ip := ap.Addr().As4()
	port := ap.Port()
	buf := make([]byte, 0, 24)
	for _, b := range ip {
		buf = strconv.AppendUint(buf, uint64(b), 10)
		buf = append(buf, ',')
	}
	buf = strconv.AppendUint(buf, uint64(port>>8), 10)
	buf = append(buf, ',')
	buf = strconv.AppendUint(buf, uint64(port&0xff), 10)
	return string(buf)
}
