package middleware

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrBanned 表示客户端 IP 因多次 PASS 失败而被临时封禁
var ErrBanned = errors.New("ip temporarily banned")

// LoginAttempt 记录一个 IP 在观察窗口内的失败次数
type LoginAttempt struct {
	Timestamp time.Time
	Count     int
}

// Fail2BanMiddleware 的默认配置
const (
	DefaultMaxAttempts   = 5
	DefaultFindTime      = 10 * time.Minute
	DefaultBanTime       = 30 * time.Minute
	DefaultCleanupPeriod = 5 * time.Minute
)

// Fail2BanMiddlewareConfig 配置 Fail2Ban 中间件
type Fail2BanMiddlewareConfig struct {
	MaxAttempts       int           // 在被禁止前允许的最大失败尝试次数
	FindTime          time.Duration // 评估失败尝试的时间窗口
	BanTime           time.Duration // IP 被禁止的时长
	Whitelist         []string      // IP 地址白名单 (CIDR 格式, 例如 "192.168.1.0/24")
	whitelistNetworks []*net.IPNet
}

// Fail2BanMiddleware 在 PASS 校验外层统计失败次数并封禁 IP.
// 过期记录由 Cleanup 清理, 调用方用事件循环的周期定时器驱动它.
type Fail2BanMiddleware struct {
	config         Fail2BanMiddlewareConfig
	failedAttempts map[string]*LoginAttempt // key: IP 地址
	bannedIPs      map[string]time.Time     // key: IP 地址, value: 解封时间
	mu             sync.RWMutex
}

// NewFail2BanMiddleware 创建并初始化一个新的 Fail2BanMiddleware
func NewFail2BanMiddleware(config Fail2BanMiddlewareConfig) (*Fail2BanMiddleware, error) {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.FindTime <= 0 {
		config.FindTime = DefaultFindTime
	}
	if config.BanTime <= 0 {
		config.BanTime = DefaultBanTime
	}

	config.whitelistNetworks = nil
	for _, cidr := range config.Whitelist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR in whitelist '%s': %w", cidr, err)
		}
		config.whitelistNetworks = append(config.whitelistNetworks, ipNet)
	}

	return &Fail2BanMiddleware{
		config:         config,
		failedAttempts: make(map[string]*LoginAttempt),
		bannedIPs:      make(map[string]time.Time),
	}, nil
}

// isWhitelisted 检查给定的 IP 地址是否在白名单中
func (fm *Fail2BanMiddleware) isWhitelisted(ip net.IP) bool {
	for _, network := range fm.config.whitelistNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Banned 返回 ip 当前是否处于封禁期
func (fm *Fail2BanMiddleware) Banned(ip string) bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	until, ok := fm.bannedIPs[ip]
	return ok && time.Now().Before(until)
}

// Handler 返回一个 MiddlewareFunc, 该函数应用 fail2ban 逻辑
func (fm *Fail2BanMiddleware) Handler() MiddlewareFunc {
	return func(next AuthHandlerFunc) AuthHandlerFunc {
		return func(ctx *AuthContext) (*Permissions, error) {
			clientIP := remoteIP(ctx.RemoteAddr)
			if clientIP == nil || fm.isWhitelisted(clientIP) {
				return next(ctx)
			}
			ipStr := clientIP.String()

			fm.mu.RLock()
			unbanTime, isBanned := fm.bannedIPs[ipStr]
			fm.mu.RUnlock()

			if isBanned {
				if time.Now().Before(unbanTime) {
					ctx.AbortWithError(fmt.Errorf("%w: %s until %s", ErrBanned, ipStr, unbanTime.Format(time.RFC3339)))
					return nil, ctx.Error()
				}
				fm.mu.Lock()
				delete(fm.bannedIPs, ipStr)
				fm.mu.Unlock()
			}

			permissions, err := next(ctx)

			if err != nil || permissions == nil {
				fm.recordFailure(ipStr, time.Now())
			} else {
				fm.mu.Lock()
				delete(fm.failedAttempts, ipStr)
				fm.mu.Unlock()
			}
			return permissions, err
		}
	}
}

func (fm *Fail2BanMiddleware) recordFailure(ip string, now time.Time) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	attempt, exists := fm.failedAttempts[ip]
	if !exists || now.Sub(attempt.Timestamp) > fm.config.FindTime {
		attempt = &LoginAttempt{Timestamp: now}
		fm.failedAttempts[ip] = attempt
	}
	attempt.Count++
	attempt.Timestamp = now

	if attempt.Count >= fm.config.MaxAttempts {
		fm.bannedIPs[ip] = now.Add(fm.config.BanTime)
		delete(fm.failedAttempts, ip)
	}
}

// Cleanup 清理过期的封禁和失败记录, 返回被清理的条目数
func (fm *Fail2BanMiddleware) Cleanup(now time.Time) int {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	removed := 0
	for ip, unbanTime := range fm.bannedIPs {
		if now.After(unbanTime) {
			delete(fm.bannedIPs, ip)
			removed++
		}
	}
	for ip, attempt := range fm.failedAttempts {
		if now.Sub(attempt.Timestamp) > fm.config.FindTime {
			delete(fm.failedAttempts, ip)
			removed++
		}
	}
	return removed
}

// remoteIP 从 net.Addr 中提取 net.IP
func remoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	}
	return nil
}
