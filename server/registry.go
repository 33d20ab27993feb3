//go:build linux

package server

import (
	"fmt"

	"ftpd/internal/reactor"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// addSession 接管一个刚 accept 的连接. 任何一步失败都只关闭原始描述符.
func (s *Server) addSession(fd int, sa unix.Sockaddr) {
	logger := s.logger.WithField("fd", fd)
	peer, err := sockaddrToAddrPort(sa)
	if err != nil {
		logger.WithError(err).Warn("无法解析客户端地址")
		unix.Close(fd)
		return
	}
	lsa, err := unix.Getsockname(fd)
	if err != nil {
		logger.WithError(err).Warn("getsockname 失败")
		unix.Close(fd)
		return
	}
	local, err := sockaddrToAddrPort(lsa)
	if err != nil {
		logger.WithError(err).Warn("无法解析本端地址")
		unix.Close(fd)
		return
	}

	sess := &Session{
		srv:   s,
		fd:    fd,
		id:    uuid.NewString(),
		local: unmapped(local),
		peer:  unmapped(peer),
	}
	sess.data.reset()
	sess.logger = s.logger.WithFields(log.Fields{
		"session": sess.id,
		"fd":      fd,
		"peer":    sess.peer.String(),
	})

	entry := reactor.Entry{Kind: reactor.KindSession, Owner: sess, Handler: sess, Live: true}
	events := reactor.EventRead | reactor.EventWrite | reactor.EventPeerClosed | reactor.EdgeTrigger
	if err := s.loop.Register(fd, events, entry); err != nil {
		logger.WithError(err).Warn("注册会话失败")
		unix.Close(fd)
		return
	}

	sess.recv = s.recvBuffers.Get().([]byte)
	sess.send = s.sendBuffers.Get().([]byte)
	sess.elem = s.sessions.PushBack(sess)
	s.metrics.sessions.Inc()
	s.metrics.sessionsTotal.Inc()
	sess.logger.Info("新连接")

	sess.reply(220, "("+s.opts.Banner+")")
	sess.update()
}

// CloseSession 断开会话并释放它持有的全部资源, 重复调用无副作用.
// 缓冲区在本轮事件处理结束后才归还, 因为调用栈上可能还在使用它们.
func (s *Server) CloseSession(sess *Session) error {
	if sess.closed {
		return nil
	}
	sess.closed = true
	s.sessions.Remove(sess.elem)
	sess.elem = nil
	s.metrics.sessions.Dec()

	if sess.authTimer != nil {
		sess.authTimer.Close()
		sess.authTimer = nil
	}
	sess.clearData()

	err := s.loop.Unregister(sess.fd)
	if cerr := unix.Close(sess.fd); cerr != nil && err == nil {
		err = cerr
	}

	recv, send := sess.recv, sess.send
	s.loop.Defer(func() {
		s.recvBuffers.Put(recv)
		s.sendBuffers.Put(send)
	})
	sess.logger.Info("连接已关闭")
	if err != nil {
		return fmt.Errorf("close session %s: %w", sess, err)
	}
	return nil
}

// CloseAllSessions 断开全部会话, 单个失败不会中断其余的关闭
func (s *Server) CloseAllSessions() error {
	var errs *multierror.Error
	for _, sess := range s.Sessions() {
		if err := s.CloseSession(sess); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Sessions 返回按接入顺序排列的会话快照
func (s *Server) Sessions() []*Session {
	out := make([]*Session, 0, s.sessions.Len())
	for e := s.sessions.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Session))
	}
	return out
}

// SessionByFD 按控制连接描述符查找会话
func (s *Server) SessionByFD(fd int) (*Session, bool) {
	for e := s.sessions.Front(); e != nil; e = e.Next() {
		if sess := e.Value.(*Session); sess.fd == fd {
			return sess, true
		}
	}
	return nil, false
}
