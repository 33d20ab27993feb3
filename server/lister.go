//go:build linux

package server

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"ftpd/internal/reactor"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// listFlags 从 LIST 参数开头取出选项, 只保留 a, l, p, F.
// 返回过滤后的选项 (可能为空) 和剩余的路径.
func listFlags(arg string) (flags, rest string) {
	var a, l, p, F bool
	for strings.HasPrefix(arg, "-") {
		word, tail, _ := strings.Cut(arg, " ")
		for _, c := range word[1:] {
			switch c {
			case 'a':
				a = true
			case 'l':
				l = true
			case 'p':
				p = true
			case 'F':
				F = true
			}
		}
		arg = tail
	}
	var b strings.Builder
	for _, f := range []struct {
		on bool
		c  byte
	}{{a, 'a'}, {l, 'l'}, {p, 'p'}, {F, 'F'}} {
		if f.on {
			b.WriteByte(f.c)
		}
	}
	if b.Len() == 0 {
		return "", arg
	}
	return "-" + b.String(), arg
}

func (s *Session) handleList(arg string) {
	if !s.data.startable() {
		s.reply(425, "Use PORT or PASV first.")
		return
	}
	flags, target := listFlags(arg)
	p, ok := s.resolve(target)
	if !ok || !isDir(p) || unix.Access(p, unix.R_OK|unix.X_OK) != nil {
		s.reply(550, "Failed to open directory.")
		return
	}

	cmd, fd, err := s.startLister(flags, p)
	if err != nil {
		s.logger.WithError(err).Warn("启动 LIST 子进程失败")
		s.reply(425, "Server temporary unavailable.")
		return
	}
	s.data.helper = cmd
	s.openLocal(transferList, fd, reactor.KindPipe, p, 0)
}

// startLister 启动列目录子进程, 返回管道的非阻塞读端.
// 子进程的 stdout 和 stderr 都写入管道.
func (s *Session) startLister(flags, dir string) (*exec.Cmd, int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, -1, fmt.Errorf("pipe: %w", err)
	}
	w := os.NewFile(uintptr(fds[1]), "list-pipe")

	argv := append([]string(nil), s.srv.list...)
	if flags != "" {
		argv = append(argv, flags)
	}
	argv = append(argv, dir)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.Env = append(os.Environ(), "LC_ALL=C")

	err := cmd.Start()
	w.Close()
	if err != nil {
		unix.Close(fds[0])
		return nil, -1, fmt.Errorf("start %s: %w", argv[0], err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		reapHelper(cmd, true, s.logger)
		return nil, -1, fmt.Errorf("set nonblock: %w", err)
	}
	return cmd, fds[0], nil
}

// reapHelper 回收子进程; kill 为 true 时先结束它
func reapHelper(cmd *exec.Cmd, kill bool, logger *log.Entry) {
	if cmd.Process == nil {
		return
	}
	if kill {
		cmd.Process.Kill()
	}
	if err := cmd.Wait(); err != nil && !kill {
		logger.WithError(err).Debug("LIST 子进程异常退出")
	}
}
