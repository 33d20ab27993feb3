//go:build linux

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"ftpd/config"
	"ftpd/console"
	"ftpd/internal/middleware"
	"ftpd/internal/reactor"
	"ftpd/server"
	"ftpd/system"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const defaultConfigPath = "config/config.toml"

// cliOptions 是命令行参数, 非零值覆盖配置文件
type cliOptions struct {
	ipv4, ipv6   bool
	cli          bool
	port         string
	host         string
	hostSet      bool
	noAnonymous  bool
	root         string
	verbose      bool
	debug        bool
	quiet        bool
	help         bool
	version      bool
	configPath   string
	hashPassword bool
}

func parseArgs(args []string, stderr io.Writer) (*cliOptions, *pflag.FlagSet, error) {
	o := &cliOptions{}
	fs := pflag.NewFlagSet("ftpd", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVarP(&o.ipv4, "ipv4", "4", false, "listen on IPv4 addresses only")
	fs.BoolVarP(&o.ipv6, "ipv6", "6", false, "listen on IPv6 addresses only")
	fs.BoolVar(&o.cli, "cli", false, "read admin commands from stdin")
	fs.StringVarP(&o.port, "port", "p", "", "port to listen on")
	fs.BoolVar(&o.noAnonymous, "no-anonymous", false, "disable the anonymous user")
	fs.StringVarP(&o.root, "root", "r", "", "root directory of the anonymous user")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "log at info level")
	fs.BoolVar(&o.debug, "debug", false, "log at debug level")
	fs.BoolVarP(&o.quiet, "quiet", "q", false, "log errors only")
	fs.BoolVarP(&o.help, "help", "h", false, "show this help")
	fs.BoolVarP(&o.version, "version", "V", false, "print the version")
	fs.StringVarP(&o.configPath, "config", "c", "", "TOML configuration file (default "+defaultConfigPath+" if present)")
	fs.BoolVar(&o.hashPassword, "hash-password", false, "read a password from stdin, print its bcrypt hash and exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: ftpd [options] [[HOST] PORT]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		o.port = rest[0]
	case 2:
		o.host, o.hostSet = rest[0], true
		o.port = rest[1]
	default:
		return nil, fs, fmt.Errorf("too many arguments: %s", strings.Join(rest, " "))
	}
	return o, fs, nil
}

// loadConfig 读取 -c 指定的文件; 未指定时默认文件存在才读取
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfig(path)
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return config.LoadConfig(defaultConfigPath)
	}
	return config.Default(), nil
}

// applyFlags 用命令行参数覆盖配置
func applyFlags(cfg *config.Config, o *cliOptions) error {
	if o.hostSet {
		cfg.Server.Host = o.host
	}
	if o.port != "" {
		cfg.Server.Port = o.port
	}
	switch {
	case o.ipv4 && !o.ipv6:
		cfg.Server.Family = "ipv4"
	case o.ipv6 && !o.ipv4:
		cfg.Server.Family = "ipv6"
	case o.ipv4 && o.ipv6:
		cfg.Server.Family = "any"
	}
	if o.noAnonymous {
		cfg.Server.Anonymous = false
	}
	if o.root != "" {
		cfg.Server.Root = o.root
	}
	if o.cli {
		cfg.Server.CLI = true
	}
	switch {
	case o.debug:
		cfg.Log.Level = "debug"
	case o.verbose:
		cfg.Log.Level = "info"
	case o.quiet:
		cfg.Log.Level = "error"
	}
	return cfg.Validate()
}

func familyOf(name string) int {
	switch name {
	case "ipv4":
		return unix.AF_INET
	case "ipv6":
		return unix.AF_INET6
	}
	return unix.AF_UNSPEC
}

func setupLogging(cfg config.LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	switch cfg.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Format)
	}
	return nil
}

// buildUsers 创建用户表: 配置中的静态用户, 以及可选的 anonymous
func buildUsers(cfg *config.Config) (*system.Users, error) {
	users := system.NewUsers()
	if cfg.Server.Anonymous {
		if err := users.Add(system.AnonymousUser, "", cfg.Server.Root); err != nil {
			return nil, err
		}
	}
	for _, u := range cfg.Users {
		root := u.Root
		if root == "" {
			root = cfg.Server.Root
		}
		if err := users.Add(u.Name, u.Password, root); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// readPassword 从终端 (不回显) 或标准输入的第一行读取密码
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func main() {
	// 1. 解析命令行
	opts, fs, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		os.Exit(2)
	}
	if opts.help {
		fs.Usage()
		return
	}
	if opts.version {
		fmt.Println("ftpd", config.Version)
		return
	}
	if opts.hashPassword {
		password, err := readPassword()
		if err != nil {
			log.Fatalf("读取密码失败: %v", err)
		}
		hash, err := system.HashPassword(password)
		if err != nil {
			log.Fatalf("生成密码哈希失败: %v", err)
		}
		fmt.Println(hash)
		return
	}

	// 2. 加载配置并应用命令行覆盖
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		log.Fatalf("无法加载配置文件: %v", err)
	}
	if err := applyFlags(cfg, opts); err != nil {
		log.Fatalf("配置无效: %v", err)
	}
	if err := setupLogging(cfg.Log); err != nil {
		log.Fatalf("日志配置无效: %v", err)
	}

	// 3. 用户表与认证链
	users, err := buildUsers(cfg)
	if err != nil {
		log.Fatalf("加载用户失败: %v", err)
	}
	loop, err := reactor.New()
	if err != nil {
		log.Fatalf("创建事件循环失败: %v", err)
	}
	defer loop.Close()

	authLogger := log.WithField("component", "auth")
	chain := middleware.NewChainBuilder().Use(middleware.AuditMiddleware(authLogger))
	if cfg.Auth.Fail2Ban.Enabled {
		f2b, err := middleware.NewFail2BanMiddleware(middleware.Fail2BanMiddlewareConfig{
			MaxAttempts: cfg.Auth.Fail2Ban.MaxAttempts,
			FindTime:    cfg.Auth.Fail2Ban.FindTime.Duration,
			BanTime:     cfg.Auth.Fail2Ban.BanTime.Duration,
			Whitelist:   cfg.Auth.Fail2Ban.Whitelist,
		})
		if err != nil {
			log.Fatalf("Fail2Ban 配置无效: %v", err)
		}
		chain.Use(f2b.Handler())
		// 周期清理过期记录, 不计入事件循环的存活数
		_, err = loop.AddTimer(middleware.DefaultCleanupPeriod, middleware.DefaultCleanupPeriod, false, func(*reactor.Timer) {
			if n := f2b.Cleanup(time.Now()); n > 0 {
				authLogger.WithField("removed", n).Debug("Fail2Ban 清理过期记录")
			}
		})
		if err != nil {
			log.Fatalf("创建 Fail2Ban 清理定时器失败: %v", err)
		}
	}
	auth := chain.Then(server.CorePasswordAuthenticator(users, cfg.Auth.SystemUsers, authLogger))

	// 4. 创建服务器并监听
	srv, err := server.New(loop, server.Options{
		Banner:         cfg.Server.Banner,
		MaxChunks:      cfg.Transfer.MaxChunks,
		PoolSize:       cfg.Transfer.PoolSize,
		RecvBuffer:     cfg.Transfer.RecvBuffer,
		SendBuffer:     cfg.Transfer.SendBuffer,
		FailDelay:      cfg.Auth.FailDelay.Duration,
		ConnectTimeout: cfg.Transfer.ConnectTimeout.Duration,
		ListCommand:    cfg.Server.ListCommand,
		Authenticate:   auth,
		Logger:         log.WithField("component", "server"),
	})
	if err != nil {
		log.Fatalf("创建服务器失败: %v", err)
	}
	listeners, err := srv.Listen(cfg.Server.Host, cfg.Server.Port, familyOf(cfg.Server.Family))
	if len(listeners) == 0 {
		log.Fatalf("无法监听 %s 端口 %s: %v", cfg.Server.Host, cfg.Server.Port, err)
	}
	if err != nil {
		log.WithError(err).Warn("部分地址监听失败")
	}
	for _, l := range listeners {
		log.Infof("FTP 服务器监听于 %s", l)
	}

	// 5. 管理控制台与信号
	var cons *console.Console
	graceful := func() {
		if cons != nil {
			cons.Close()
		}
		if err := srv.Shutdown(false); err != nil {
			log.WithError(err).Warn("关闭监听器失败")
		}
	}
	if cfg.Server.CLI {
		cons, err = console.New(srv, console.Options{
			In:     int(os.Stdin.Fd()),
			Out:    os.Stdout,
			Users:  users,
			Root:   cfg.Server.Root,
			Logger: log.WithField("component", "console"),
			OnExit: graceful,
		})
		if err != nil {
			log.WithError(err).Warn("控制台不可用")
		}
	}

	var watcher *reactor.SignalWatcher
	interrupted := false
	watcher, err = loop.WatchSignals(func(sig os.Signal) {
		if sig == os.Interrupt && !interrupted {
			interrupted = true
			log.Warn("收到中断信号, 不再接受新连接; 再次中断将断开全部会话")
			graceful()
			return
		}
		log.WithField("signal", sig.String()).Warn("强制退出")
		if cons != nil {
			cons.Close()
		}
		if err := srv.Shutdown(true); err != nil {
			log.WithError(err).Warn("断开会话失败")
		}
		loop.CloseTimers()
		watcher.Stop()
	}, os.Interrupt, unix.SIGTERM)
	if err != nil {
		log.Fatalf("无法监听信号: %v", err)
	}
	defer watcher.Stop()

	// 6. 指标
	if cfg.Metrics.Listen != "" {
		reg := srv.Registry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
		httpServer := &http.Server{Addr: cfg.Metrics.Listen, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics 服务器退出")
			}
		}()
		defer httpServer.Close()
		log.Infof("metrics 监听于 %s", cfg.Metrics.Listen)
	}

	// 7. 运行事件循环, 直到没有存活的描述符
	if err := loop.Run(); err != nil {
		log.Fatalf("事件循环出错: %v", err)
	}
	log.Info("服务器已退出")
}
