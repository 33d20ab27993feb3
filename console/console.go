//go:build linux

// Package console implements the interactive administration console. It
// reads commands from a descriptor registered on the server's event loop,
// so every command runs on the loop goroutine alongside the sessions.
package console

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"ftpd/internal/reactor"
	"ftpd/server"
	"ftpd/system"

	"github.com/fatih/color"
	"github.com/kballard/go-shellquote"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// maxLine 是一行命令的最大长度
const maxLine = 4096

// Options 配置控制台
type Options struct {
	// In 是读取命令的描述符, 通常是 0. 为负数时不注册, 只能通过 Execute 驱动.
	In  int
	Out io.Writer

	Users *system.Users
	// Root 是 add-user 未指定根目录时使用的默认值
	Root   string
	Logger *log.Entry
	// OnExit 在 exit 或输入结束时调用; 为 nil 时关闭全部监听器
	OnExit func()
}

// Console 是事件循环上的管理控制台
type Console struct {
	loop   *reactor.Loop
	srv    *server.Server
	users  *system.Users
	root   string
	fd     int
	out    io.Writer
	logger *log.Entry
	onExit func()

	prompt  bool
	pending []byte
	buf     [512]byte
	closed  bool

	errColor    *color.Color
	promptColor *color.Color
}

// ErrUnknownCommand 由 Execute 在命令不存在时返回
var ErrUnknownCommand = errors.New("unknown command")

// New 创建控制台并把输入描述符注册为 live, 水平触发读
func New(srv *server.Server, opts Options) (*Console, error) {
	c := &Console{
		loop:        srv.Loop(),
		srv:         srv,
		users:       opts.Users,
		root:        opts.Root,
		fd:          opts.In,
		out:         opts.Out,
		logger:      opts.Logger,
		onExit:      opts.OnExit,
		errColor:    color.New(color.FgRed),
		promptColor: color.New(color.FgCyan, color.Bold),
	}
	if c.users == nil {
		c.users = system.NewUsers()
	}
	if c.root == "" {
		c.root = "/"
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "console")
	}
	if c.onExit == nil {
		c.onExit = func() {
			if err := srv.Shutdown(false); err != nil {
				c.logger.WithError(err).Warn("关闭监听器失败")
			}
		}
	}
	if c.fd < 0 {
		c.closed = true
		return c, nil
	}

	entry := reactor.Entry{Kind: reactor.KindConsole, Owner: c, Handler: c, Live: true}
	if err := c.loop.Register(c.fd, reactor.EventRead, entry); err != nil {
		return nil, fmt.Errorf("register console: %w", err)
	}
	c.prompt = term.IsTerminal(c.fd)
	c.showPrompt()
	return c, nil
}

// Closed 报告控制台是否已停止读取输入
func (c *Console) Closed() bool { return c.closed }

// Close 注销输入描述符, 不关闭描述符本身. 可重复调用.
func (c *Console) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	return c.loop.Unregister(c.fd)
}

// HandleEvents 读取一块输入并执行其中的完整行
func (c *Console) HandleEvents(events uint32) {
	if c.closed {
		return
	}
	n, err := unix.Read(c.fd, c.buf[:])
	if err == unix.EINTR || err == unix.EAGAIN {
		return
	}
	if err != nil || n == 0 {
		if err != nil {
			c.logger.WithError(err).Warn("读取控制台输入失败")
		}
		if len(c.pending) > 0 {
			c.run(string(c.pending))
		}
		if !c.closed {
			c.exit()
		}
		return
	}

	c.pending = append(c.pending, c.buf[:n]...)
	for !c.closed {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(c.pending[:i], "\r"))
		c.pending = c.pending[i+1:]
		c.run(line)
	}
	if c.closed {
		return
	}
	if len(c.pending) > maxLine {
		c.pending = nil
		c.errColor.Fprintln(c.out, "error: line too long")
	}
	if len(c.pending) == 0 {
		c.showPrompt()
	}
}

func (c *Console) run(line string) {
	if err := c.Execute(line); err != nil {
		c.errColor.Fprintf(c.out, "error: %v\n", err)
	}
}

func (c *Console) showPrompt() {
	if c.prompt && !c.closed {
		c.promptColor.Fprint(c.out, "ftpd> ")
	}
}

// exit 停止控制台并执行退出动作
func (c *Console) exit() {
	if err := c.Close(); err != nil {
		c.logger.WithError(err).Debug("注销控制台失败")
	}
	c.onExit()
}

type command struct {
	usage string
	help  string
	run   func(c *Console, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":               {"help", "list commands", (*Console).cmdHelp},
		"exit":               {"exit", "stop the console and close all servers", (*Console).cmdExit},
		"run":                {"run", "detach the console and keep serving", (*Console).cmdRun},
		"list-client":        {"list-client", "list control connections", (*Console).cmdListClient},
		"list-server":        {"list-server", "list listening sockets", (*Console).cmdListServer},
		"list-fd":            {"list-fd", "dump the descriptor table", (*Console).cmdListFD},
		"list-user":          {"list-user", "list users", (*Console).cmdListUser},
		"add-server":         {"add-server [HOST] [PORT]", "listen on every address of HOST", addServer(unix.AF_UNSPEC)},
		"add-server4":        {"add-server4 [HOST] [PORT]", "listen on the IPv4 addresses of HOST", addServer(unix.AF_INET)},
		"add-server6":        {"add-server6 [HOST] [PORT]", "listen on the IPv6 addresses of HOST", addServer(unix.AF_INET6)},
		"remove-server":      {"remove-server <fd>", "close one listening socket", (*Console).cmdRemoveServer},
		"remove-all-servers": {"remove-all-servers", "close every listening socket", (*Console).cmdRemoveAllServers},
		"remove-client":      {"remove-client <fd>", "close one control connection", (*Console).cmdRemoveClient},
		"remove-all-clients": {"remove-all-clients", "close every control connection", (*Console).cmdRemoveAllClients},
		"add-user":           {"add-user <name> [<root> [<hash>]]", "add a user, empty hash accepts any password", (*Console).cmdAddUser},
		"remove-user":        {"remove-user <name>", "remove a user", (*Console).cmdRemoveUser},
		"hash-password":      {"hash-password <password>", "print a bcrypt hash for add-user", (*Console).cmdHashPassword},
	}
}

// Execute 执行一行命令. 空行什么也不做.
func (c *Console) Execute(line string) error {
	args, err := shellquote.Split(line)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: %s (try help)", ErrUnknownCommand, args[0])
	}
	c.logger.WithField("command", args[0]).Debug("控制台命令")
	return cmd.run(c, args[1:])
}

func (c *Console) table(header ...any) *tablewriter.Table {
	t := tablewriter.NewWriter(c.out)
	t.Header(header...)
	return t
}

func (c *Console) cmdHelp([]string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	t := c.table("Command", "Description")
	for _, name := range names {
		cmd := commands[name]
		if err := t.Append([]string{cmd.usage, cmd.help}); err != nil {
			return err
		}
	}
	return t.Render()
}

func (c *Console) cmdExit([]string) error {
	c.exit()
	return nil
}

func (c *Console) cmdRun([]string) error {
	return c.Close()
}

func (c *Console) cmdListClient([]string) error {
	t := c.table("FD", "ID", "Peer", "User", "Busy")
	for _, s := range c.srv.Sessions() {
		user := s.User()
		if user == "" {
			user = "-"
		}
		busy := s.BusyReason()
		if busy == "" {
			busy = "-"
		}
		if err := t.Append([]string{strconv.Itoa(s.FD()), s.ID(), s.Peer().String(), user, busy}); err != nil {
			return err
		}
	}
	return t.Render()
}

func (c *Console) cmdListServer([]string) error {
	t := c.table("FD", "Host", "Port", "Family")
	for _, l := range c.srv.Listeners() {
		row := []string{strconv.Itoa(l.FD()), l.Host(), strconv.Itoa(l.Port()), server.FamilyName(l.Family())}
		if err := t.Append(row); err != nil {
			return err
		}
	}
	return t.Render()
}

func (c *Console) cmdListFD([]string) error {
	t := c.table("FD", "Kind", "Live")
	for _, d := range c.loop.Descriptors() {
		if err := t.Append([]string{strconv.Itoa(d.FD), d.Kind.String(), strconv.FormatBool(d.Live)}); err != nil {
			return err
		}
	}
	return t.Render()
}

func (c *Console) cmdListUser([]string) error {
	t := c.table("Name", "Password", "Root")
	for _, u := range c.users.List() {
		password := "any"
		if u.PasswordHash != "" {
			password = "set"
		}
		if err := t.Append([]string{u.Name, password, u.Root}); err != nil {
			return err
		}
	}
	return t.Render()
}

func addServer(family int) func(c *Console, args []string) error {
	return func(c *Console, args []string) error {
		if len(args) > 2 {
			return errors.New("usage: add-server [HOST] [PORT]")
		}
		host, port := "localhost", "21"
		if len(args) > 0 {
			host = args[0]
		}
		if len(args) > 1 {
			port = args[1]
		}
		ls, err := c.srv.Listen(host, port, family)
		for _, l := range ls {
			fmt.Fprintf(c.out, "listening on %s (fd %d)\n", l, l.FD())
		}
		return err
	}
}

func parseFD(args []string, usage string) (int, error) {
	if len(args) != 1 {
		return -1, errors.New("usage: " + usage)
	}
	fd, err := strconv.Atoi(args[0])
	if err != nil || fd < 0 {
		return -1, fmt.Errorf("invalid descriptor %q", args[0])
	}
	return fd, nil
}

func (c *Console) cmdRemoveServer(args []string) error {
	fd, err := parseFD(args, "remove-server <fd>")
	if err != nil {
		return err
	}
	l, ok := c.srv.ListenerByFD(fd)
	if !ok {
		return fmt.Errorf("no server on fd %d", fd)
	}
	return c.srv.CloseListener(l)
}

func (c *Console) cmdRemoveAllServers([]string) error {
	return c.srv.CloseAllListeners()
}

func (c *Console) cmdRemoveClient(args []string) error {
	fd, err := parseFD(args, "remove-client <fd>")
	if err != nil {
		return err
	}
	s, ok := c.srv.SessionByFD(fd)
	if !ok {
		return fmt.Errorf("no client on fd %d", fd)
	}
	return c.srv.CloseSession(s)
}

func (c *Console) cmdRemoveAllClients([]string) error {
	return c.srv.CloseAllSessions()
}

func (c *Console) cmdAddUser(args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return errors.New("usage: add-user <name> [<root> [<hash>]]")
	}
	// 相对路径由 Users.Add 转为绝对路径
	root := c.root
	if len(args) > 1 {
		root = args[1]
	}
	var hash string
	if len(args) > 2 {
		hash = args[2]
	}
	if err := c.users.Add(args[0], hash, root); err != nil {
		return err
	}
	c.logger.WithField("user", args[0]).Info("添加用户")
	return nil
}

func (c *Console) cmdRemoveUser(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: remove-user <name>")
	}
	return c.users.Remove(args[0])
}

func (c *Console) cmdHashPassword(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: hash-password <password>")
	}
	hash, err := system.HashPassword(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, hash)
	return nil
}
