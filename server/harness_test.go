//go:build linux

package server

import (
	"bufio"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"ftpd/internal/middleware"
	"ftpd/internal/reactor"
	"ftpd/system"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sys/unix"
)

const ioTimeout = 5 * time.Second

// harness 在独立 goroutine 上运行一个只监听 127.0.0.1 的服务器
type harness struct {
	t      *testing.T
	loop   *reactor.Loop
	srv    *Server
	users  *system.Users
	notify *reactor.Notifier
	root   string
	addr   string

	done    chan error
	stopped bool
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	loop, err := reactor.New()
	require.NoError(t, err)

	root := t.TempDir()
	users := system.NewUsers()
	require.NoError(t, users.Add(system.AnonymousUser, "", root))
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, users.Add("alice", string(hash), root))

	logger, _ := test.NewNullLogger()
	entry := log.NewEntry(logger)
	opts := Options{
		Banner:         "test",
		FailDelay:      50 * time.Millisecond,
		ConnectTimeout: 2 * time.Second,
		Authenticate:   middleware.Chain(CorePasswordAuthenticator(users, false, entry)),
		Logger:         entry,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	srv, err := New(loop, opts)
	require.NoError(t, err)
	ls, err := srv.Listen("127.0.0.1", "0", unix.AF_INET)
	require.NoError(t, err)
	require.Len(t, ls, 1)

	n, err := loop.NewNotifier()
	require.NoError(t, err)

	h := &harness{
		t:      t,
		loop:   loop,
		srv:    srv,
		users:  users,
		notify: n,
		root:   root,
		addr:   ls[0].Addr().String(),
		done:   make(chan error, 1),
	}
	go func() { h.done <- loop.Run() }()
	t.Cleanup(h.stop)
	return h
}

// do 在事件循环线程上执行 fn 并等待它完成
func (h *harness) do(fn func()) {
	h.t.Helper()
	finished := make(chan struct{})
	if !h.notify.Post(func() { fn(); close(finished) }) {
		h.t.Fatal("loop already stopped")
	}
	select {
	case <-finished:
	case <-time.After(ioTimeout):
		h.t.Fatal("loop did not run the posted function")
	}
}

// stop 强制关闭服务器并等待事件循环退出
func (h *harness) stop() {
	h.notify.Post(func() {
		h.srv.Shutdown(true)
		h.loop.CloseTimers()
	})
	h.wait()
	h.notify.Close()
	h.loop.Close()
}

// wait 等待 Run 返回; Run 在没有存活描述符时返回
func (h *harness) wait() {
	h.t.Helper()
	if h.stopped {
		return
	}
	select {
	case err := <-h.done:
		h.stopped = true
		require.NoError(h.t, err)
	case <-time.After(ioTimeout):
		h.t.Fatal("loop did not stop")
	}
}

func (h *harness) writeFile(name string, data []byte) string {
	h.t.Helper()
	p := filepath.Join(h.root, name)
	require.NoError(h.t, os.WriteFile(p, data, 0o644))
	return p
}

// client 是一个逐行读写的原始控制连接
type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (h *harness) dial() *client {
	h.t.Helper()
	conn, err := net.DialTimeout("tcp", h.addr, ioTimeout)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { conn.Close() })
	c := &client{t: h.t, conn: conn, r: bufio.NewReader(conn)}
	c.expect("220 (test)")
	return c
}

func (c *client) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(ioTimeout)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err, "partial line %q", line)
	require.True(c.t, strings.HasSuffix(line, "\r\n"), "reply %q not terminated by CRLF", line)
	return strings.TrimSuffix(line, "\r\n")
}

func (c *client) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(ioTimeout)))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

// cmd 发送一条命令并返回回复行
func (c *client) cmd(line string) string {
	c.t.Helper()
	c.send(line)
	return c.readLine()
}

func (c *client) expect(want string) {
	c.t.Helper()
	require.Equal(c.t, want, c.readLine())
}

func (c *client) login(user, password string) {
	c.t.Helper()
	require.Equal(c.t, "331 Please specify the password.", c.cmd("USER "+user))
	require.Equal(c.t, "230 Login successful.", c.cmd("PASS "+password))
}

// expectClosed 断言服务器已关闭连接
func (c *client) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(ioTimeout)))
	_, err := c.r.ReadByte()
	require.Error(c.t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		require.False(c.t, ne.Timeout(), "server kept the connection open")
	}
}

// pasv 发送 PASV 并连接返回的地址
func (c *client) pasv() net.Conn {
	c.t.Helper()
	reply := c.cmd("PASV")
	require.True(c.t, strings.HasPrefix(reply, "227 Entering Passive Mode ("), reply)
	inner := reply[strings.Index(reply, "(")+1 : strings.LastIndex(reply, ")")]
	f := strings.Split(inner, ",")
	require.Len(c.t, f, 6)
	p1, _ := strconv.Atoi(f[4])
	p2, _ := strconv.Atoi(f[5])
	addr := net.JoinHostPort(strings.Join(f[:4], "."), strconv.Itoa(p1<<8|p2))
	return c.dialData(addr)
}

// epsv 发送 EPSV 并连接返回的端口
func (c *client) epsv() net.Conn {
	c.t.Helper()
	reply := c.cmd("EPSV")
	require.True(c.t, strings.HasPrefix(reply, "229 Entering Extended Passive Mode (|||"), reply)
	port := strings.TrimSuffix(strings.TrimPrefix(reply, "229 Entering Extended Passive Mode (|||"), "|)")
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	require.NoError(c.t, err)
	return c.dialData(net.JoinHostPort(host, port))
}

func (c *client) dialData(addr string) net.Conn {
	c.t.Helper()
	conn, err := net.DialTimeout("tcp", addr, ioTimeout)
	require.NoError(c.t, err)
	require.NoError(c.t, conn.SetDeadline(time.Now().Add(ioTimeout)))
	c.t.Cleanup(func() { conn.Close() })
	return conn
}
