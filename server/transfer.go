//go:build linux

package server

import (
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"time"

	"ftpd/internal/chunk"
	"ftpd/internal/reactor"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type transferKind uint8

const (
	transferNone transferKind = iota
	transferRetr
	transferStor
	transferAppe
	transferList
)

func (k transferKind) String() string {
	switch k {
	case transferRetr:
		return "retr"
	case transferStor:
		return "stor"
	case transferAppe:
		return "appe"
	case transferList:
		return "list"
	}
	return "none"
}

// upload 报告数据是否从远端流向本地文件
func (k transferKind) upload() bool {
	return k == transferStor || k == transferAppe
}

// transfer 是会话的数据通道状态. 描述符为 -1 表示不存在.
//
// localFd 是本地文件或 LIST 管道, remoteFd 是数据连接, pasvFd 是被动模式的监听套接字.
// 中继开始后 localFd/remoteFd 分别转移到 readFd 和 writeFd.
type transfer struct {
	kind transferKind

	localFd   int
	localKind reactor.Kind
	remoteFd  int
	pasvFd    int

	// port 是 PORT/EPRT 设置的主动模式目标
	port       netip.AddrPort
	connecting bool

	readFd, writeFd    int
	readKind           reactor.Kind
	writeKind          reactor.Kind
	readable, writable bool

	queue   *chunk.Queue
	size    int64
	bytes   int64
	started time.Time
	path    string

	helper  *exec.Cmd
	timeout *reactor.Timer
}

func (t *transfer) reset() {
	*t = transfer{localFd: -1, remoteFd: -1, pasvFd: -1, readFd: -1, writeFd: -1}
}

// startable 报告数据通道是否已就绪或可以建立
func (t *transfer) startable() bool {
	return t.remoteFd >= 0 || t.pasvFd >= 0 || t.port.IsValid()
}

// relaying 报告中继是否已经开始
func (t *transfer) relaying() bool {
	return t.readFd >= 0 || t.writeFd >= 0
}

// closeFD 注销并关闭一个数据描述符
func (s *Session) closeFD(fd *int) {
	if *fd < 0 {
		return
	}
	if err := s.srv.loop.Unregister(*fd); err != nil {
		s.logger.WithError(err).Debug("注销数据描述符失败")
	}
	unix.Close(*fd)
	*fd = -1
}

// clearData 关闭全部数据描述符, 释放缓冲块, 终止 LIST 子进程.
// 它不发送任何回复, 也不改变会话的忙碌状态.
func (s *Session) clearData() {
	d := &s.data
	if d.timeout != nil {
		d.timeout.Close()
		d.timeout = nil
	}
	s.closeFD(&d.readFd)
	s.closeFD(&d.writeFd)
	s.closeFD(&d.localFd)
	s.closeFD(&d.remoteFd)
	s.closeFD(&d.pasvFd)
	if d.queue != nil {
		d.queue.Reset()
	}
	if d.helper != nil {
		reapHelper(d.helper, true, s.logger)
	}
	d.reset()
}

// openLocal 记录已打开的本地端并尝试启动传输. 调用前会话必须空闲.
func (s *Session) openLocal(kind transferKind, fd int, fdKind reactor.Kind, path string, size int64) {
	d := &s.data
	entry := reactor.Entry{Kind: fdKind, Owner: s}
	if err := s.srv.loop.Track(fd, entry); err != nil {
		s.logger.WithError(err).Warn("登记本地描述符失败")
		unix.Close(fd)
		if d.helper != nil {
			reapHelper(d.helper, true, s.logger)
			d.helper = nil
		}
		s.reply(425, "Server temporary unavailable.")
		return
	}
	d.kind = kind
	d.localFd = fd
	d.localKind = fdKind
	d.path = path
	d.size = size
	s.busy = busyTransfer

	if s.srv.opts.ConnectTimeout > 0 && d.remoteFd < 0 {
		t, err := s.srv.loop.AddTimer(s.srv.opts.ConnectTimeout, 0, false, func(*reactor.Timer) {
			s.data.timeout = nil
			if !s.data.relaying() && !s.closed {
				s.logger.Info("数据连接超时")
				s.abortTransfer(425, "Can't open data connection.")
			}
		})
		if err != nil {
			s.logger.WithError(err).Warn("无法创建数据连接超时定时器")
		} else {
			d.timeout = t
		}
	}
	s.tryStart()
}

// tryStart 在本地端和远端都就绪时开始中继; 主动模式下先发起连接
func (s *Session) tryStart() {
	d := &s.data
	if d.localFd < 0 {
		return
	}
	if d.remoteFd < 0 && d.port.IsValid() && !d.connecting {
		s.connectActive()
		return
	}
	if d.remoteFd < 0 || d.connecting {
		return
	}
	if d.timeout != nil {
		d.timeout.Close()
		d.timeout = nil
	}

	if d.kind.upload() {
		d.readFd, d.readKind = d.remoteFd, reactor.KindData
		d.writeFd, d.writeKind = d.localFd, d.localKind
	} else {
		d.readFd, d.readKind = d.localFd, d.localKind
		d.writeFd, d.writeKind = d.remoteFd, reactor.KindData
	}
	d.localFd, d.remoteFd = -1, -1
	d.readable, d.writable = true, true
	d.queue = chunk.NewQueue(s.srv.pool, s.srv.opts.MaxChunks)
	d.started = time.Now()

	if err := s.watch(d.readFd, d.readKind, reactor.EventRead|reactor.EdgeTrigger, reactor.HandlerFunc(s.handleSourceEvents)); err != nil {
		s.logger.WithError(err).Warn("注册数据源失败")
		s.abortTransfer(425, "Server temporary unavailable.")
		return
	}
	if err := s.watch(d.writeFd, d.writeKind, reactor.EventWrite|reactor.EdgeTrigger, reactor.HandlerFunc(s.handleSinkEvents)); err != nil {
		s.logger.WithError(err).Warn("注册数据目的失败")
		s.abortTransfer(425, "Server temporary unavailable.")
		return
	}

	switch d.kind {
	case transferList:
		s.reply(150, "Here comes the directory listing.")
	case transferRetr:
		s.reply(150, "Opening BINARY mode data connection ("+strconv.FormatInt(d.size, 10)+" bytes).")
	default:
		s.reply(150, "Ok to send data.")
	}
	s.logger.WithFields(log.Fields{"transfer": d.kind.String(), "path": d.path}).Info("传输开始")
	s.relay()
	s.update()
}

// watch 让事件循环关注 fd. 普通文件总是就绪, 只登记不轮询.
func (s *Session) watch(fd int, kind reactor.Kind, events uint32, h reactor.Handler) error {
	loop := s.srv.loop
	if kind == reactor.KindFile {
		return nil
	}
	if _, ok := loop.Lookup(fd); ok {
		return loop.Modify(fd, events, h)
	}
	return loop.Register(fd, events, reactor.Entry{Kind: kind, Owner: s, Handler: h})
}

// relay 在源和目的之间搬运数据, 直到双方都无法继续.
// 上传时优先读; 下载时目的不可写或缓冲为空才读.
func (s *Session) relay() {
	d := &s.data
	for d.kind != transferNone && d.writeFd >= 0 {
		if d.readFd < 0 && d.queue.Empty() {
			s.completeTransfer()
			return
		}

		canWrite := d.writable && !d.queue.Empty()
		if d.readFd >= 0 && d.readable && (d.kind.upload() || !canWrite) {
			if span := d.queue.Writable(); span != nil {
				n, err := unix.Read(d.readFd, span)
				switch {
				case err == unix.EINTR:
				case err == unix.EAGAIN:
					d.readable = false
				case err != nil:
					s.logger.WithError(err).Warn("读数据失败")
					s.abortTransfer(426, "Failure reading stream.")
					return
				case n == 0:
					s.closeFD(&d.readFd)
				default:
					d.queue.Commit(n)
				}
				continue
			}
		}

		if !canWrite {
			return
		}
		n, err := unix.Write(d.writeFd, d.queue.Readable())
		switch {
		case err == unix.EINTR:
		case err == unix.EAGAIN:
			d.writable = false
		case err != nil:
			s.logger.WithError(err).Warn("写数据失败")
			s.abortTransfer(426, "Failure writing stream.")
			return
		default:
			d.queue.Consume(n)
			d.bytes += int64(n)
		}
	}
}

// handleSourceEvents 处理数据源的就绪事件. 管道写端关闭时只有 HUP.
func (s *Session) handleSourceEvents(events uint32) {
	d := &s.data
	if d.readFd < 0 {
		return
	}
	if events&reactor.EventError != 0 {
		s.abortTransfer(426, "Failure reading stream.")
		return
	}
	if events&(reactor.EventRead|reactor.EventHangup) != 0 {
		d.readable = true
		s.relay()
	}
}

func (s *Session) handleSinkEvents(events uint32) {
	d := &s.data
	if d.writeFd < 0 {
		return
	}
	if events&(reactor.EventError|reactor.EventHangup) != 0 {
		s.abortTransfer(426, "Failure writing stream.")
		return
	}
	if events&reactor.EventWrite != 0 {
		d.writable = true
		s.relay()
	}
}

// completeTransfer 在源读尽且缓冲清空后关闭目的并回复 226
func (s *Session) completeTransfer() {
	d := &s.data
	kind, n, elapsed, path := d.kind, d.bytes, time.Since(d.started), d.path
	helper := d.helper
	d.helper = nil
	s.clearData()
	if helper != nil {
		reapHelper(helper, false, s.logger)
	}
	s.busy = notBusy

	s.srv.metrics.observeTransfer(kind, "ok", n)
	s.logger.WithFields(log.Fields{
		"transfer": kind.String(),
		"path":     path,
		"bytes":    n,
		"elapsed":  elapsed,
	}).Info("传输完成")

	if kind == transferList {
		s.reply(226, "Directory send OK.")
	} else {
		s.reply(226, "Transfer complete.")
	}
	s.update()
}

// abortTransfer 拆除数据通道, 回复错误并恢复命令处理
func (s *Session) abortTransfer(code int, text string) {
	d := &s.data
	kind, n := d.kind, d.bytes
	s.clearData()
	s.busy = notBusy
	if kind != transferNone {
		s.srv.metrics.observeTransfer(kind, "failed", n)
	}
	s.logger.WithFields(log.Fields{"transfer": kind.String(), "code": code}).Info("传输失败")
	s.reply(code, text)
	s.update()
}

// openFile 打开 RETR/STOR/APPE 的本地文件
func (s *Session) openFile(kind transferKind, arg string) {
	if !s.data.startable() {
		s.reply(425, "Use PORT or PASV first.")
		return
	}
	p, ok := s.resolve(arg)
	if !ok {
		s.reply(550, "Failed to open file.")
		return
	}

	var (
		flags int
		size  int64
	)
	switch kind {
	case transferRetr:
		fi, err := os.Stat(p)
		if err != nil || !fi.Mode().IsRegular() {
			s.reply(550, "Failed to open file.")
			return
		}
		flags = unix.O_RDONLY
		size = fi.Size()
	case transferStor:
		flags = unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC
	case transferAppe:
		flags = unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND
	}
	fd, err := unix.Open(p, flags|unix.O_NONBLOCK|unix.O_CLOEXEC, 0o644)
	if err != nil {
		s.logger.WithError(err).WithField("path", p).Debug("打开文件失败")
		s.reply(550, "Failed to open file.")
		return
	}
	s.openLocal(kind, fd, reactor.KindFile, p, size)
}

func (s *Session) handleRetr(arg string) { s.openFile(transferRetr, arg) }

func (s *Session) handleStor(arg string) { s.openFile(transferStor, arg) }

func (s *Session) handleAppe(arg string) { s.openFile(transferAppe, arg) }
