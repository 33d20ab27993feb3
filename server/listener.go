//go:build linux

package server

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"ftpd/internal/reactor"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Listener 是一个已注册到事件循环的监听套接字
type Listener struct {
	srv    *Server
	elem   *list.Element
	fd     int
	addr   netip.AddrPort
	logger *log.Entry
	closed bool

	// retry 在 accept 因资源不足失败后重新尝试, 不计入存活描述符
	retry *reactor.Timer
}

// acceptRetryDelay 是 accept 因资源不足失败后重试的间隔
const acceptRetryDelay = 100 * time.Millisecond

// accept4 可在测试中替换
var accept4 = unix.Accept4

// FD 返回监听描述符
func (l *Listener) FD() int { return l.fd }

// Addr 返回实际绑定的地址
func (l *Listener) Addr() netip.AddrPort { return l.addr }

// Host 返回绑定地址的文本形式
func (l *Listener) Host() string { return l.addr.Addr().String() }

// Port 返回绑定端口
func (l *Listener) Port() int { return int(l.addr.Port()) }

// Family 返回 unix.AF_INET 或 unix.AF_INET6
func (l *Listener) Family() int { return familyOf(l.addr.Addr()) }

func (l *Listener) String() string { return l.addr.String() }

// Listen 为 host 解析出的每个地址创建监听器.
// host 为空时监听 family 对应的通配地址, family 取 unix.AF_UNSPEC 表示 IPv4 和 IPv6.
// port 可以是数字或服务名. 部分成功时同时返回已创建的监听器和聚合错误.
func (s *Server) Listen(host, port string, family int) ([]*Listener, error) {
	portNum, err := net.LookupPort("tcp", port)
	if err != nil {
		return nil, fmt.Errorf("listen: port %q: %w", port, err)
	}
	addrs, err := resolveHost(context.Background(), host, family)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	var (
		out  []*Listener
		errs *multierror.Error
	)
	for _, addr := range addrs {
		l, err := s.listen(netip.AddrPortFrom(addr, uint16(portNum)))
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		out = append(out, l)
	}
	return out, errs.ErrorOrNil()
}

func (s *Server) listen(ap netip.AddrPort) (*Listener, error) {
	fd, bound, err := openListener(ap, true)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", ap, err)
	}
	l := &Listener{srv: s, fd: fd, addr: bound}
	l.logger = s.logger.WithFields(log.Fields{"listener": bound.String(), "fd": fd})
	entry := reactor.Entry{Kind: reactor.KindListener, Owner: l, Handler: l, Live: true}
	if err := s.loop.Register(fd, reactor.EventRead|reactor.EdgeTrigger, entry); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", ap, err)
	}
	l.elem = s.listeners.PushBack(l)
	s.metrics.listeners.Inc()
	l.logger.Info("监听已启动")
	return l, nil
}

// HandleEvents 接受所有排队的连接
func (l *Listener) HandleEvents(events uint32) {
	if events&(reactor.EventError|reactor.EventHangup) != 0 {
		l.logger.Warn("监听套接字出错, 关闭")
		l.srv.CloseListener(l)
		return
	}
	l.acceptAll()
}

func (l *Listener) acceptAll() {
	for !l.closed {
		fd, sa, err := accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			}
			l.logger.WithError(err).Warn("accept 失败")
			// 边沿触发下队列中剩余的连接不会再通知
			l.scheduleRetry()
			return
		}
		l.srv.addSession(fd, sa)
	}
}

func (l *Listener) scheduleRetry() {
	if l.retry != nil {
		return
	}
	t, err := l.srv.loop.AddTimer(acceptRetryDelay, 0, false, func(*reactor.Timer) {
		l.retry = nil
		l.acceptAll()
	})
	if err != nil {
		l.logger.WithError(err).Warn("无法创建 accept 重试定时器")
		return
	}
	l.retry = t
}

// CloseListener 关闭一个监听器, 重复调用无副作用. 已建立的会话不受影响.
func (s *Server) CloseListener(l *Listener) error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.retry != nil {
		l.retry.Close()
		l.retry = nil
	}
	s.listeners.Remove(l.elem)
	l.elem = nil
	s.metrics.listeners.Dec()
	err := s.loop.Unregister(l.fd)
	if cerr := unix.Close(l.fd); cerr != nil && err == nil {
		err = cerr
	}
	l.logger.Info("监听已关闭")
	if err != nil {
		return fmt.Errorf("close listener %s: %w", l.addr, err)
	}
	return nil
}

// CloseAllListeners 关闭全部监听器, 某个失败不影响其余的关闭
func (s *Server) CloseAllListeners() error {
	var errs *multierror.Error
	for _, l := range s.Listeners() {
		if err := s.CloseListener(l); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Listeners 返回按创建顺序排列的监听器快照
func (s *Server) Listeners() []*Listener {
	out := make([]*Listener, 0, s.listeners.Len())
	for e := s.listeners.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Listener))
	}
	return out
}

// ListenerByFD 按描述符查找监听器
func (s *Server) ListenerByFD(fd int) (*Listener, bool) {
	for e := s.listeners.Front(); e != nil; e = e.Next() {
		if l := e.Value.(*Listener); l.fd == fd {
			return l, true
		}
	}
	return nil, false
}

// FamilyName 将地址族转换为日志和控制台使用的名字
func FamilyName(family int) string {
	switch family {
	case unix.AF_INET:
		return "ipv4"
	case unix.AF_INET6:
		return "ipv6"
	case unix.AF_UNSPEC:
		return "any"
	}
	return "af" + strconv.Itoa(family)
}
