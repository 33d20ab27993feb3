//go:build linux

package server

import (
	"bytes"
	"container/list"
	"net"
	"net/netip"
	"strconv"

	"ftpd/internal/reactor"
	"ftpd/internal/vpath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// busyReason 记录会话为何暂停处理命令
type busyReason uint8

const (
	notBusy busyReason = iota
	busyTransfer
	busyAuthDelay
)

func (b busyReason) String() string {
	switch b {
	case busyTransfer:
		return "transfer"
	case busyAuthDelay:
		return "auth delay"
	}
	return ""
}

// Session 是一个控制连接. 它只在事件循环线程上被访问.
type Session struct {
	srv    *Server
	elem   *list.Element
	fd     int
	id     string
	logger *log.Entry

	local netip.AddrPort
	peer  netip.AddrPort

	// events 是控制套接字上累计的就绪位 (边沿触发)
	events uint32

	// peerClosed 表示客户端已关闭写方向, 边沿触发下只会通知一次
	peerClosed bool

	recv     []byte
	recvLen  int
	scanned  int // recv[:scanned] 已确认不含换行
	send     []byte
	sendHead int
	sendTail int

	user     string
	loggedIn bool
	root     string
	wd       string

	closeOnSent bool
	processing  bool
	busy        busyReason
	closed      bool

	authTimer *reactor.Timer
	data      transfer
}

// FD 返回控制连接描述符
func (s *Session) FD() int { return s.fd }

// ID 返回会话的唯一标识
func (s *Session) ID() string { return s.id }

// Peer 返回客户端地址
func (s *Session) Peer() netip.AddrPort { return s.peer }

// Local 返回本端地址
func (s *Session) Local() netip.AddrPort { return s.local }

// User 返回 USER 命令给出的用户名
func (s *Session) User() string { return s.user }

// LoggedIn 报告会话是否已通过认证
func (s *Session) LoggedIn() bool { return s.loggedIn }

// Busy 报告会话是否正在传输或等待认证延迟
func (s *Session) Busy() bool { return s.busy != notBusy }

// BusyReason 返回忙碌原因, 空闲时为空串
func (s *Session) BusyReason() string { return s.busy.String() }

// WorkingDir 返回客户端看到的当前目录
func (s *Session) WorkingDir() string {
	if !s.loggedIn {
		return ""
	}
	return vpath.Relative(s.wd, s.root)
}

func (s *Session) String() string {
	return "client#" + strconv.Itoa(s.fd) + " " + s.peer.String()
}

// peerAddr 以 net.Addr 形式返回对端地址, 供认证中间件使用
func (s *Session) peerAddr() net.Addr {
	return net.TCPAddrFromAddrPort(s.peer)
}

// HandleEvents 记录就绪位并推进会话状态
func (s *Session) HandleEvents(events uint32) {
	if events&(reactor.EventError|reactor.EventHangup) != 0 {
		s.logger.Debug("控制连接已断开")
		s.srv.CloseSession(s)
		return
	}
	s.events |= events & (reactor.EventRead | reactor.EventWrite)
	if events&reactor.EventPeerClosed != 0 {
		s.peerClosed = true
	}
	s.update()
	// 传输期间不读控制连接, 对端关闭只能在这里发现
	if s.peerClosed && s.busy == busyTransfer && !s.closed {
		s.logger.Debug("传输中客户端关闭了控制连接")
		s.srv.CloseSession(s)
	}
}

// update 依次冲刷输出, 执行已缓冲的命令, 读取新输入, 直到无法继续.
// 重入调用直接返回, 外层循环会接着处理.
func (s *Session) update() {
	if s.processing || s.closed {
		return
	}
	s.processing = true
	defer func() { s.processing = false }()

	for !s.closed {
		if s.events&reactor.EventWrite != 0 && s.sendTail > s.sendHead {
			n, err := unix.Write(s.fd, s.send[s.sendHead:s.sendTail])
			switch {
			case err == unix.EINTR:
				continue
			case err == unix.EAGAIN:
				s.events &^= reactor.EventWrite
				continue
			case err != nil:
				s.logger.WithError(err).Debug("写控制连接失败")
				s.srv.CloseSession(s)
				return
			}
			s.sendHead += n
			if s.sendHead == s.sendTail {
				s.sendHead, s.sendTail = 0, 0
				if s.closeOnSent {
					s.srv.CloseSession(s)
					return
				}
			}
			continue
		}

		if !s.accepting() {
			break
		}

		if s.scanned < s.recvLen {
			i := bytes.IndexByte(s.recv[s.scanned:s.recvLen], '\n')
			if i < 0 {
				s.scanned = s.recvLen
				continue
			}
			end := s.scanned + i
			line := s.recv[:end]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			s.execute(string(line))
			s.recvLen = copy(s.recv, s.recv[end+1:s.recvLen])
			s.scanned = 0
			continue
		}

		if s.recvLen == len(s.recv) {
			s.reply(500, "Input line too long.")
			s.closeOnSent = true
			continue
		}

		if s.events&reactor.EventRead == 0 {
			break
		}
		n, err := unix.Read(s.fd, s.recv[s.recvLen:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			s.events &^= reactor.EventRead
			continue
		case err != nil:
			s.logger.WithError(err).Debug("读控制连接失败")
			s.srv.CloseSession(s)
			return
		case n == 0:
			s.logger.Debug("客户端关闭了控制连接")
			s.srv.CloseSession(s)
			return
		}
		s.recvLen += n
	}
}

// accepting 报告会话此刻能否处理新命令: 输出已清空, 不忙, 也不在关闭中
func (s *Session) accepting() bool {
	return s.sendTail == 0 && s.busy == notBusy && !s.closeOnSent
}

// reply 将一行回复追加到发送缓冲区. 缓冲区放不下时会话被关闭.
func (s *Session) reply(code int, text string) {
	if s.closed {
		return
	}
	line := strconv.Itoa(code) + " " + text + "\r\n"
	if len(line) > len(s.send)-s.sendTail {
		s.logger.WithField("code", code).Warn("发送缓冲区溢出, 断开会话")
		s.srv.CloseSession(s)
		return
	}
	s.sendTail += copy(s.send[s.sendTail:], line)
}
