//go:build linux

// Package server implements the FTP listener, the control channel and
// the data transfer engine on top of a reactor.Loop. Everything in this
// package runs on the loop goroutine.
package server

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"ftpd/internal/chunk"
	"ftpd/internal/middleware"
	"ftpd/internal/reactor"

	"github.com/hashicorp/go-multierror"
	"github.com/kballard/go-shellquote"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Options 描述 Server 的可调参数.
// Banner, MaxChunks, RecvBuffer, SendBuffer 和 ListCommand 为零值时使用默认值;
// PoolSize 和 FailDelay 的零值有实际含义, 取负值才使用默认值.
type Options struct {
	Banner         string
	MaxChunks      int           // 每个传输最多挂接的块数
	PoolSize       int           // 块池保留的空闲块上限, 0 表示不缓存, 负值取默认
	RecvBuffer     int           // 控制连接接收缓冲区大小
	SendBuffer     int           // 控制连接发送缓冲区大小
	FailDelay      time.Duration // PASS 失败后回复 530 之前的延迟, 0 表示立即回复, 负值取默认
	ConnectTimeout time.Duration // 数据连接建立超时, 0 表示不限制
	ListCommand    string        // LIST 使用的外部命令, 按 shell 规则拆分

	// Authenticate 是完整的认证链, 必须设置
	Authenticate middleware.AuthHandlerFunc
	Logger       *log.Entry
	// Registerer 为 nil 时指标注册到服务器私有的注册表
	Registerer prometheus.Registerer
}

const (
	defaultBanner      = "ftpd"
	defaultMaxChunks   = 256
	defaultPoolSize    = 1024
	defaultBufferSize  = 4096
	defaultFailDelay   = 3 * time.Second
	defaultListCommand = "ls -n"
)

// Server 持有一个事件循环上的全部监听器和会话
type Server struct {
	loop   *reactor.Loop
	opts   Options
	auth   middleware.AuthHandlerFunc
	list   []string
	pool   *chunk.Pool
	logger *log.Entry

	listeners *list.List // *Listener, 按创建顺序
	sessions  *list.List // *Session, 按接入顺序

	recvBuffers sync.Pool
	sendBuffers sync.Pool

	metrics  *Metrics
	registry *prometheus.Registry
}

// New 创建服务器, 此时还没有任何监听器
func New(loop *reactor.Loop, opts Options) (*Server, error) {
	if opts.Authenticate == nil {
		return nil, fmt.Errorf("server: Authenticate must be set")
	}
	if opts.Banner == "" {
		opts.Banner = defaultBanner
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = defaultMaxChunks
	}
	if opts.PoolSize < 0 {
		opts.PoolSize = defaultPoolSize
	}
	if opts.RecvBuffer <= 0 {
		opts.RecvBuffer = defaultBufferSize
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultBufferSize
	}
	if opts.FailDelay < 0 {
		opts.FailDelay = defaultFailDelay
	}
	if opts.ListCommand == "" {
		opts.ListCommand = defaultListCommand
	}
	argv, err := shellquote.Split(opts.ListCommand)
	if err != nil {
		return nil, fmt.Errorf("server: list command %q: %w", opts.ListCommand, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("server: empty list command")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}

	s := &Server{
		loop:      loop,
		opts:      opts,
		auth:      opts.Authenticate,
		list:      argv,
		pool:      chunk.NewPool(opts.PoolSize),
		logger:    opts.Logger.WithField("component", "server"),
		listeners: list.New(),
		sessions:  list.New(),
	}
	s.recvBuffers.New = func() interface{} { return make([]byte, opts.RecvBuffer) }
	s.sendBuffers.New = func() interface{} { return make([]byte, opts.SendBuffer) }

	reg := opts.Registerer
	if reg == nil {
		s.registry = prometheus.NewRegistry()
		reg = s.registry
	}
	s.metrics, err = newMetrics(reg, s.pool)
	if err != nil {
		return nil, fmt.Errorf("server: register metrics: %w", err)
	}
	return s, nil
}

// Loop 返回服务器所在的事件循环
func (s *Server) Loop() *reactor.Loop { return s.loop }

// Registry 返回私有的指标注册表, 使用外部 Registerer 时为 nil
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Metrics 返回服务器的指标集合
func (s *Server) Metrics() *Metrics { return s.metrics }

// Shutdown 关闭全部监听器; force 为 true 时同时断开全部会话.
// 不再接收新连接后, 事件循环在最后一个会话结束时自然退出.
func (s *Server) Shutdown(force bool) error {
	var errs *multierror.Error
	if err := s.CloseAllListeners(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if force {
		if err := s.CloseAllSessions(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.logger.WithField("force", force).Info("shutdown")
	return errs.ErrorOrNil()
}
