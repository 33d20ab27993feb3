//go:build linux

package server

import (
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"

	"ftpd/internal/middleware"
	"ftpd/internal/reactor"
	"ftpd/internal/vpath"
	"ftpd/system"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type command struct {
	verb    string
	handler func(s *Session, arg string)
}

// 两张表都按 verb 排序, 由 lookupCommand 二分查找
var (
	beforeLogin []command
	afterLogin  []command
)

func init() {
	beforeLogin = []command{
		{"PASS", (*Session).handlePass},
		{"QUIT", (*Session).handleQuit},
		{"USER", (*Session).handleUser},
	}
	afterLogin = []command{
		{"APPE", (*Session).handleAppe},
		{"CDUP", (*Session).handleCdup},
		{"CWD", (*Session).handleCwd},
		{"DELE", (*Session).handleDele},
		{"EPRT", (*Session).handleEprt},
		{"EPSV", (*Session).handleEpsv},
		{"LIST", (*Session).handleList},
		{"MKD", (*Session).handleMkd},
		{"NOOP", (*Session).handleNoop},
		{"PASS", (*Session).handlePass},
		{"PASV", (*Session).handlePasv},
		{"PORT", (*Session).handlePort},
		{"PWD", (*Session).handlePwd},
		{"QUIT", (*Session).handleQuit},
		{"RETR", (*Session).handleRetr},
		{"RMD", (*Session).handleRmd},
		{"SIZE", (*Session).handleSize},
		{"STOR", (*Session).handleStor},
		{"SYST", (*Session).handleSyst},
		{"TYPE", (*Session).handleType},
		{"USER", (*Session).handleUser},
	}
}

func lookupCommand(table []command, verb string) (command, bool) {
	i := sort.Search(len(table), func(i int) bool { return table[i].verb >= verb })
	if i < len(table) && table[i].verb == verb {
		return table[i], true
	}
	return command{}, false
}

// splitCommand 在第一个空格处拆分命令行, 动词转为大写
func splitCommand(line string) (verb, arg string) {
	verb, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(verb), arg
}

// execute 分派一行命令, 空行被忽略
func (s *Session) execute(line string) {
	if line == "" {
		return
	}
	verb, arg := splitCommand(line)
	table := beforeLogin
	if s.loggedIn {
		table = afterLogin
	}
	cmd, ok := lookupCommand(table, verb)
	if !ok {
		s.srv.metrics.commands.WithLabelValues("unknown").Inc()
		if s.loggedIn {
			s.reply(500, "Unknown command.")
		} else {
			s.reply(530, "Please login with USER and PASS.")
		}
		return
	}
	s.srv.metrics.commands.WithLabelValues(cmd.verb).Inc()
	if cmd.verb == "PASS" {
		s.logger.WithField("command", "PASS").Debug("命令")
	} else {
		s.logger.WithFields(log.Fields{"command": cmd.verb, "arg": arg}).Debug("命令")
	}
	cmd.handler(s, arg)
}

// resolve 将客户端给出的路径解析为 jail 内的绝对路径
func (s *Session) resolve(arg string) (string, bool) {
	p, err := vpath.Resolve(s.wd, arg, s.root)
	if err != nil || !vpath.Within(p, s.root) {
		return "", false
	}
	return p, true
}

func (s *Session) handleUser(arg string) {
	switch {
	case s.loggedIn:
		s.reply(530, "Can't change to another user.")
	case arg == "":
		s.reply(500, "Requires username.")
	default:
		s.user = arg
		s.reply(331, "Please specify the password.")
	}
}

func (s *Session) handlePass(arg string) {
	if s.loggedIn {
		s.reply(230, "Already logged in.")
		return
	}
	if s.user == "" {
		s.reply(503, "Login with USER first.")
		return
	}

	ctx := middleware.NewAuthContext(s.user, s.peerAddr(), "password")
	ctx.Session = s.id
	ctx.Set("password", arg)
	perms, err := s.srv.auth(ctx)
	if err != nil || perms == nil {
		switch {
		case errors.Is(err, system.ErrUserNotFound),
			errors.Is(err, system.ErrAuthFailed),
			errors.Is(err, middleware.ErrBanned):
			s.srv.metrics.authFailures.Inc()
			s.delayLoginFailure()
		default:
			s.logger.WithError(err).Warn("认证出错")
			s.user = ""
			s.reply(451, "Server temporary unavailable.")
		}
		return
	}

	root := perms.Root
	if root == "" {
		root = "/"
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		s.logger.WithField("root", root).Warn("根目录不可用")
		s.user = ""
		s.reply(530, "Root directory unavailable.")
		return
	}
	wd, err := vpath.Resolve(root, "/", root)
	if err != nil {
		s.user = ""
		s.reply(530, "Root directory unavailable.")
		return
	}
	s.root = root
	s.wd = wd
	s.loggedIn = true
	s.logger = s.logger.WithField("user", s.user)
	s.reply(230, "Login successful.")
}

// delayLoginFailure 暂停会话 FailDelay 之后再回复 530
func (s *Session) delayLoginFailure() {
	s.user = ""
	s.busy = busyAuthDelay
	t, err := s.srv.loop.AddTimer(s.srv.opts.FailDelay, 0, true, func(*reactor.Timer) {
		s.authTimer = nil
		s.busy = notBusy
		s.reply(530, "Login incorrect.")
		s.update()
	})
	if err != nil {
		s.logger.WithError(err).Warn("无法创建认证延迟定时器")
		s.busy = notBusy
		s.reply(530, "Login incorrect.")
		return
	}
	s.authTimer = t
}

func (s *Session) handleSyst(string) {
	s.reply(215, "UNIX Type: L8")
}

func (s *Session) handleType(arg string) {
	switch strings.ToUpper(arg) {
	case "A", "A N":
		s.reply(200, "Switching to ASCII mode.")
	case "I", "L 8":
		s.reply(200, "Type set to I.")
	default:
		s.reply(500, "Unrecognised TYPE command.")
	}
}

func (s *Session) handleQuit(string) {
	s.reply(221, "Goodbye.")
	s.closeOnSent = true
}

func (s *Session) handleNoop(string) {
	s.reply(200, "NOOP ok.")
}

func (s *Session) handleCwd(arg string) {
	p, ok := s.resolve(arg)
	if !ok || !isDir(p) || unix.Access(p, unix.R_OK|unix.X_OK) != nil {
		s.reply(550, "Failed to change directory.")
		return
	}
	s.wd = p
	s.reply(250, "Directory successfully changed.")
}

func (s *Session) handleCdup(string) {
	s.handleCwd("..")
}

func (s *Session) handlePwd(string) {
	s.reply(257, "\""+vpath.Relative(s.wd, s.root)+"\" is the current directory.")
}

func (s *Session) handleMkd(arg string) {
	p, ok := s.resolve(arg)
	if !ok || unix.Mkdir(p, 0o755) != nil {
		s.reply(550, "Create directory operation failed.")
		return
	}
	s.reply(257, "\""+arg+"\" created.")
}

func (s *Session) handleRmd(arg string) {
	p, ok := s.resolve(arg)
	if !ok || unix.Rmdir(p) != nil {
		s.reply(550, "Remove directory operation failed.")
		return
	}
	s.reply(250, "Remove directory operation successful.")
}

func (s *Session) handleSize(arg string) {
	p, ok := s.resolve(arg)
	if !ok {
		s.reply(550, "Could not get file size.")
		return
	}
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		s.reply(550, "Could not get file size.")
		return
	}
	s.reply(213, strconv.FormatInt(fi.Size(), 10))
}

func (s *Session) handleDele(arg string) {
	p, ok := s.resolve(arg)
	if !ok || unix.Unlink(p) != nil {
		s.reply(550, "Delete operation failed.")
		return
	}
	s.reply(250, "Delete operation successful.")
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
