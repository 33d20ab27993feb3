package middleware

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

var errCoreAuth = errors.New("core auth failed")

// mockAddrForFail2Ban 构造 Fail2Ban 能识别的 *net.TCPAddr
func mockAddrForFail2Ban(ipStr string) net.Addr {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		panic(fmt.Sprintf("Invalid IP string for mockAddr: %s", ipStr))
	}
	return &net.TCPAddr{IP: ip, Port: 12345}
}

func simulateAuthAttempt(t *testing.T, handler AuthHandlerFunc, user, ipStr string) (*Permissions, error) {
	t.Helper()
	ctx := NewAuthContext(user, mockAddrForFail2Ban(ipStr), "password")
	ctx.Set("password", "guess")
	return handler(ctx)
}

func alwaysFail(*AuthContext) (*Permissions, error) { return nil, errCoreAuth }

func TestFail2BanMiddleware_BasicBan(t *testing.T) {
	cfg := Fail2BanMiddlewareConfig{
		MaxAttempts: 2,
		FindTime:    time.Minute,
		BanTime:     200 * time.Millisecond,
	}
	f2b, err := NewFail2BanMiddleware(cfg)
	if err != nil {
		t.Fatalf("NewFail2BanMiddleware failed: %v", err)
	}
	handler := f2b.Handler()(alwaysFail)
	ip := "192.0.2.1"

	for i := 1; i <= 2; i++ {
		if _, err := simulateAuthAttempt(t, handler, "user1", ip); err != errCoreAuth {
			t.Errorf("Attempt %d: expected core failure, got %v", i, err)
		}
	}
	if !f2b.Banned(ip) {
		t.Fatal("IP was not banned after MaxAttempts")
	}

	ctx := NewAuthContext("user1", mockAddrForFail2Ban(ip), "password")
	_, err = handler(ctx)
	if !errors.Is(err, ErrBanned) {
		t.Fatalf("Attempt 3: expected ErrBanned, got %v", err)
	}
	if !strings.Contains(err.Error(), ip) {
		t.Errorf("ban error should name the IP, got %v", err)
	}
	if !ctx.IsAborted() {
		t.Error("Attempt 3: expected context to be aborted")
	}

	time.Sleep(cfg.BanTime + 50*time.Millisecond)

	if _, err := simulateAuthAttempt(t, handler, "user1", ip); err != errCoreAuth {
		t.Errorf("after ban expiry expected core failure, got %v", err)
	}
}

func TestFail2BanMiddleware_FindTime(t *testing.T) {
	cfg := Fail2BanMiddlewareConfig{
		MaxAttempts: 2,
		FindTime:    100 * time.Millisecond,
		BanTime:     time.Minute,
	}
	f2b, _ := NewFail2BanMiddleware(cfg)
	handler := f2b.Handler()(alwaysFail)
	ip := "192.0.2.2"

	simulateAuthAttempt(t, handler, "user1", ip)
	time.Sleep(cfg.FindTime + 50*time.Millisecond)
	simulateAuthAttempt(t, handler, "user1", ip)

	if f2b.Banned(ip) {
		t.Fatal("IP should NOT be banned if the second failure is outside FindTime")
	}
	f2b.mu.RLock()
	attempt, exists := f2b.failedAttempts[ip]
	f2b.mu.RUnlock()
	if !exists || attempt.Count != 1 {
		t.Errorf("Expected failed attempts count to be 1 after FindTime reset, got %v", attempt)
	}
}

func TestFail2BanMiddleware_SuccessfulAuthResetsCounter(t *testing.T) {
	f2b, _ := NewFail2BanMiddleware(Fail2BanMiddlewareConfig{MaxAttempts: 2})
	ip := "192.0.2.3"
	succeed := false
	handler := f2b.Handler()(func(ctx *AuthContext) (*Permissions, error) {
		if succeed {
			return &Permissions{Root: "/"}, nil
		}
		return nil, errCoreAuth
	})

	simulateAuthAttempt(t, handler, "user1", ip)
	succeed = true
	if perms, err := simulateAuthAttempt(t, handler, "user1", ip); err != nil || perms == nil {
		t.Fatalf("Successful auth returned (%v, %v)", perms, err)
	}
	f2b.mu.RLock()
	_, exists := f2b.failedAttempts[ip]
	f2b.mu.RUnlock()
	if exists {
		t.Error("Failed attempts counter should be cleared after successful auth")
	}

	succeed = false
	simulateAuthAttempt(t, handler, "user1", ip)
	if f2b.Banned(ip) {
		t.Error("a single failure after success must not ban")
	}
}

func TestFail2BanMiddleware_Whitelist(t *testing.T) {
	f2b, err := NewFail2BanMiddleware(Fail2BanMiddlewareConfig{
		MaxAttempts: 1,
		Whitelist:   []string{"192.0.2.10/32", "10.0.0.0/8"},
	})
	if err != nil {
		t.Fatalf("NewFail2BanMiddleware failed: %v", err)
	}
	handler := f2b.Handler()(alwaysFail)

	for _, ip := range []string{"192.0.2.10", "10.1.2.3"} {
		simulateAuthAttempt(t, handler, "userW", ip)
		simulateAuthAttempt(t, handler, "userW", ip)
		if f2b.Banned(ip) {
			t.Errorf("Whitelisted IP %s was banned", ip)
		}
	}

	simulateAuthAttempt(t, handler, "userNW", "192.0.2.20")
	if !f2b.Banned("192.0.2.20") {
		t.Error("Non-whitelisted IP was not banned after MaxAttempts")
	}
}

func TestFail2BanMiddleware_InvalidWhitelistCIDR(t *testing.T) {
	_, err := NewFail2BanMiddleware(Fail2BanMiddlewareConfig{Whitelist: []string{"192.168.1.300/24"}})
	if err == nil || !strings.Contains(err.Error(), "invalid CIDR in whitelist") {
		t.Fatalf("Expected invalid CIDR error, got %v", err)
	}
}

func TestFail2BanMiddleware_Cleanup(t *testing.T) {
	cfg := Fail2BanMiddlewareConfig{
		MaxAttempts: 1,
		FindTime:    50 * time.Millisecond,
		BanTime:     100 * time.Millisecond,
	}
	f2b, _ := NewFail2BanMiddleware(cfg)

	now := time.Now()
	f2b.mu.Lock()
	f2b.bannedIPs["192.0.2.40"] = now.Add(-cfg.BanTime)
	f2b.bannedIPs["192.0.2.42"] = now.Add(cfg.BanTime)
	f2b.failedAttempts["192.0.2.41"] = &LoginAttempt{Timestamp: now.Add(-2 * cfg.FindTime), Count: 1}
	f2b.mu.Unlock()

	if removed := f2b.Cleanup(now); removed != 2 {
		t.Errorf("Cleanup removed %d entries, want 2", removed)
	}
	if !f2b.Banned("192.0.2.42") {
		t.Error("active ban must survive cleanup")
	}
	f2b.mu.RLock()
	defer f2b.mu.RUnlock()
	if _, exists := f2b.bannedIPs["192.0.2.40"]; exists {
		t.Error("Expired ban was not cleaned up")
	}
	if _, exists := f2b.failedAttempts["192.0.2.41"]; exists {
		t.Error("Stale failed attempt was not cleaned up")
	}
}

func TestFail2BanMiddleware_NoIPInContext(t *testing.T) {
	f2b, _ := NewFail2BanMiddleware(Fail2BanMiddlewareConfig{MaxAttempts: 1})
	coreAuthCalled := false
	handler := f2b.Handler()(func(ctx *AuthContext) (*Permissions, error) {
		coreAuthCalled = true
		return nil, errCoreAuth
	})

	if _, err := handler(NewAuthContext("userNoIP", MockAddr("notaTCPorIPaddr"), "password")); err != errCoreAuth {
		t.Errorf("Expected core failure, got %v", err)
	}
	if !coreAuthCalled {
		t.Error("Core authenticator should have been called when IP is not determinable")
	}
	f2b.mu.RLock()
	defer f2b.mu.RUnlock()
	if len(f2b.failedAttempts) > 0 || len(f2b.bannedIPs) > 0 {
		t.Error("Fail2Ban maps should be empty if IP address was not found")
	}
}

func TestFail2BanMiddleware_Concurrency(t *testing.T) {
	t.Parallel()
	cfg := Fail2BanMiddlewareConfig{
		MaxAttempts: 3,
		FindTime:    10 * time.Second,
		BanTime:     time.Minute,
	}
	f2b, _ := NewFail2BanMiddleware(cfg)
	handler := f2b.Handler()(alwaysFail)
	ip := "192.0.2.50"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(routineNum int) {
			defer wg.Done()
			for j := 0; j < cfg.MaxAttempts; j++ {
				handler(NewAuthContext(fmt.Sprintf("user-g%d-a%d", routineNum, j), mockAddrForFail2Ban(ip), "password"))
			}
		}(i)
	}
	wg.Wait()

	if !f2b.Banned(ip) {
		t.Error("IP should be banned after concurrent failures")
	}
}

func TestAuditMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)
	handler := Chain(alwaysFail, AuditMiddleware(logrus.NewEntry(logger)))

	ctx := NewAuthContext("bob", mockAddrForFail2Ban("192.0.2.60"), "password")
	ctx.Session = "s-1"
	if _, err := handler(ctx); err != errCoreAuth {
		t.Fatalf("audit middleware changed the result: %v", err)
	}
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("no log entry recorded")
	}
	if entry.Data["user"] != "bob" || entry.Data["session"] != "s-1" {
		t.Errorf("unexpected fields %v", entry.Data)
	}
	if entry.Data[logrus.ErrorKey] != errCoreAuth {
		t.Errorf("expected error field, got %v", entry.Data[logrus.ErrorKey])
	}
}
