package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/ddrflow/internal/tlsutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed         = errors.New("server is closed")
	ErrAlreadyStarted = errors.New("server already started")
)

// Config 单个监听器的配置。TLSCertFile 非空时以 HTTPS 提供服务。
type Config struct {
	Name            string        `yaml:"-" json:"-"`
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TLSCertFile     string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file" json:"tls_key_file"`
}

// DefaultConfig 写超时需覆盖一次带多轮退避的问答。
func DefaultConfig() Config {
	return Config{
		Name:            "http",
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    3 * time.Minute,
		IdleTimeout:     2 * time.Minute,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Manager 管理一个 http.Server 的监听、异步错误与优雅关闭。
type Manager struct {
	cfg    Config
	srv    *http.Server
	errCh  chan error
	logger *zap.Logger

	mu     sync.RWMutex
	ln     net.Listener
	closed bool
}

func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	logger = logger.With(zap.String("component", "http_server"), zap.String("server", cfg.Name))
	return &Manager{
		cfg: cfg,
		srv: &http.Server{
			Addr:           cfg.Addr,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			ErrorLog:       zap.NewStdLog(logger.Named("http_errors")),
		},
		errCh:  make(chan error, 1),
		logger: logger,
	}
}

// Start 绑定端口后立即返回，服务在后台 goroutine 中运行。
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return ErrClosed
	case m.ln != nil:
		return ErrAlreadyStarted
	}

	var tlsCfg *tls.Config
	if m.cfg.TLSCertFile != "" {
		var err error
		if tlsCfg, err = tlsutil.LoadServerConfig(m.cfg.TLSCertFile, m.cfg.TLSKeyFile); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.Addr, err)
	}
	m.ln = ln
	if tlsCfg != nil {
		m.srv.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	m.logger.Info("server listening",
		zap.String("addr", m.ln.Addr().String()),
		zap.Bool("tls", tlsCfg != nil))
	go m.serve(ln)
	return nil
}

func (m *Manager) serve(ln net.Listener) {
	err := m.srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	m.logger.Error("server failed", zap.Error(err))
	select {
	case m.errCh <- err:
	default:
	}
}

// Shutdown 等待在途请求结束，最多 ShutdownTimeout。重复调用返回 nil。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	if d := m.cfg.ShutdownTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Error("server shutdown failed", zap.Error(err))
		return err
	}
	m.logger.Info("server stopped")
	return nil
}

// Errors 后台 Serve 的非正常退出
func (m *Manager) Errors() <-chan error { return m.errCh }

// Addr 已绑定时返回实际地址（":0" 会被解析成具体端口）。
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ln == nil {
		return m.cfg.Addr
	}
	return m.ln.Addr().String()
}

func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ln != nil && !m.closed
}

// Run 启动全部服务器并阻塞到 ctx 结束或任一服务器出错，随后逐个关闭。
// 因 ctx 结束而返回时结果为 nil。
func Run(ctx context.Context, managers ...*Manager) error {
	for i, m := range managers {
		if err := m.Start(); err != nil {
			for _, started := range managers[:i] {
				_ = started.Shutdown(context.Background())
			}
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range managers {
		g.Go(func() error {
			select {
			case err := <-m.Errors():
				return fmt.Errorf("%s server: %w", m.cfg.Name, err)
			case <-gctx.Done():
				return nil
			}
		})
	}

	errs := []error{g.Wait()}
	stopCtx := context.WithoutCancel(ctx)
	for _, m := range managers {
		errs = append(errs, m.Shutdown(stopCtx))
	}
	return errors.Join(errs...)
}
