//go:build linux

package console

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"ftpd/internal/middleware"
	"ftpd/internal/reactor"
	"ftpd/server"
	"ftpd/system"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fixture struct {
	loop  *reactor.Loop
	srv   *server.Server
	users *system.Users
	out   *bytes.Buffer
	addr  string
}

// newFixture 创建一个不运行的事件循环; 测试在自己的 goroutine 上调用 Poll
func newFixture(t *testing.T) *fixture {
	t.Helper()
	loop, err := reactor.New()
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	entry := log.NewEntry(logger)
	users := system.NewUsers()
	require.NoError(t, users.Add(system.AnonymousUser, "", t.TempDir()))

	srv, err := server.New(loop, server.Options{
		Banner:       "console",
		Authenticate: middleware.Chain(server.CorePasswordAuthenticator(users, false, entry)),
		Logger:       entry,
	})
	require.NoError(t, err)
	ls, err := srv.Listen("127.0.0.1", "0", unix.AF_INET)
	require.NoError(t, err)

	t.Cleanup(func() {
		srv.Shutdown(true)
		loop.CloseTimers()
		loop.Close()
	})
	return &fixture{loop: loop, srv: srv, users: users, out: new(bytes.Buffer), addr: ls[0].String()}
}

func (f *fixture) console(t *testing.T, in int, onExit func()) *Console {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c, err := New(f.srv, Options{
		In:     in,
		Out:    f.out,
		Users:  f.users,
		Root:   "/srv/ftp",
		Logger: log.NewEntry(logger),
		OnExit: onExit,
	})
	require.NoError(t, err)
	return c
}

func TestListCommands(t *testing.T) {
	f := newFixture(t)
	c := f.console(t, -1, nil)

	require.NoError(t, c.Execute("list-server"))
	_, port, err := net.SplitHostPort(f.addr)
	require.NoError(t, err)
	assert.Contains(t, f.out.String(), port)
	assert.Contains(t, f.out.String(), "ipv4")

	f.out.Reset()
	require.NoError(t, c.Execute("list-fd"))
	assert.Contains(t, f.out.String(), "ftp server")
	assert.Contains(t, f.out.String(), "epoll")

	f.out.Reset()
	require.NoError(t, c.Execute("list-user"))
	assert.Contains(t, f.out.String(), "anonymous")

	f.out.Reset()
	require.NoError(t, c.Execute("help"))
	for _, name := range []string{"add-server6", "remove-all-clients", "hash-password"} {
		assert.Contains(t, f.out.String(), name)
	}

	require.NoError(t, c.Execute(""))
	require.NoError(t, c.Execute("   "))
	require.ErrorIs(t, c.Execute("frobnicate"), ErrUnknownCommand)
	require.Error(t, c.Execute(`add-user "unterminated`))
}

func TestServerCommands(t *testing.T) {
	f := newFixture(t)
	c := f.console(t, -1, nil)

	require.NoError(t, c.Execute("add-server4 127.0.0.1 0"))
	assert.Contains(t, f.out.String(), "listening on 127.0.0.1:")
	ls := f.srv.Listeners()
	require.Len(t, ls, 2)

	require.NoError(t, c.Execute("remove-server "+strconv.Itoa(ls[1].FD())))
	require.Len(t, f.srv.Listeners(), 1)
	require.Error(t, c.Execute("remove-server "+strconv.Itoa(ls[1].FD())))
	require.Error(t, c.Execute("remove-server abc"))
	require.Error(t, c.Execute("remove-server"))
	require.Error(t, c.Execute("add-server4 127.0.0.1 0 extra"))
	require.Error(t, c.Execute("add-server4 127.0.0.1 not-a-port"))

	require.NoError(t, c.Execute("remove-all-servers"))
	require.Empty(t, f.srv.Listeners())
}

func TestClientCommands(t *testing.T) {
	f := newFixture(t)
	c := f.console(t, -1, nil)

	conn, err := net.DialTimeout("tcp", f.addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	for i := 0; i < 10 && len(f.srv.Sessions()) == 0; i++ {
		require.NoError(t, f.loop.Poll(100))
	}
	sessions := f.srv.Sessions()
	require.Len(t, sessions, 1)

	require.NoError(t, c.Execute("list-client"))
	assert.Contains(t, f.out.String(), conn.LocalAddr().String())
	assert.Contains(t, f.out.String(), sessions[0].ID())

	require.Error(t, c.Execute("remove-client 9999"))
	require.NoError(t, c.Execute("remove-client "+strconv.Itoa(sessions[0].FD())))
	require.Empty(t, f.srv.Sessions())
	require.NoError(t, c.Execute("remove-all-clients"))
}

func TestUserCommands(t *testing.T) {
	f := newFixture(t)
	c := f.console(t, -1, nil)

	require.NoError(t, c.Execute("add-user bob"))
	u, ok := f.users.Lookup("bob")
	require.True(t, ok)
	assert.Equal(t, "/srv/ftp", u.Root)
	assert.Empty(t, u.PasswordHash)
	require.ErrorIs(t, c.Execute("add-user bob"), system.ErrUserExists)

	require.NoError(t, c.Execute(`add-user "carol smith" relative/home '$2a$04$abcdefghijklmnopqrstuu'`))
	u, ok = f.users.Lookup("carol smith")
	require.True(t, ok)
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "relative/home"), u.Root)
	assert.Equal(t, "$2a$04$abcdefghijklmnopqrstuu", u.PasswordHash)

	require.NoError(t, c.Execute("remove-user bob"))
	require.ErrorIs(t, c.Execute("remove-user bob"), system.ErrUserNotFound)
	require.Error(t, c.Execute("add-user"))
	require.Error(t, c.Execute("remove-user"))
}

func TestHashPassword(t *testing.T) {
	f := newFixture(t)
	c := f.console(t, -1, nil)

	require.NoError(t, c.Execute("hash-password s3cret"))
	hash := strings.TrimSpace(f.out.String())
	ok, err := system.VerifyPassword("s3cret", hash)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Error(t, c.Execute("hash-password"))
}

func TestInputFromPipe(t *testing.T) {
	f := newFixture(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	c := f.console(t, int(r.Fd()), nil)
	require.False(t, c.Closed())

	_, err = w.WriteString("list-server\r\nbogus\nexit\nlist-fd\n")
	require.NoError(t, err)
	for i := 0; i < 10 && !c.Closed(); i++ {
		require.NoError(t, f.loop.Poll(100))
	}
	require.True(t, c.Closed())
	assert.Contains(t, f.out.String(), "error: unknown command: bogus")
	// 退出后剩余的行不再执行
	assert.NotContains(t, f.out.String(), "epoll")
	// 默认的退出动作关闭全部监听器
	assert.Empty(t, f.srv.Listeners())
	require.NoError(t, c.Close())
}

func TestEndOfInputExits(t *testing.T) {
	f := newFixture(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	exits := 0
	c := f.console(t, int(r.Fd()), func() { exits++ })
	_, err = w.WriteString("list-user\nrun-partial")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	for i := 0; i < 10 && !c.Closed(); i++ {
		require.NoError(t, f.loop.Poll(100))
	}
	require.True(t, c.Closed())
	assert.Equal(t, 1, exits)
	assert.Contains(t, f.out.String(), "anonymous")
	// 没有换行的最后一行也会执行
	assert.Contains(t, f.out.String(), "unknown command: run-partial")
	require.Len(t, f.srv.Listeners(), 1)
}

func TestRunDetaches(t *testing.T) {
	f := newFixture(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	c := f.console(t, int(r.Fd()), func() { t.Fatal("run must not exit") })
	before := f.loop.Live()
	require.NoError(t, c.Execute("run"))
	assert.True(t, c.Closed())
	assert.Equal(t, before-1, f.loop.Live())
	require.Len(t, f.srv.Listeners(), 1)
}
