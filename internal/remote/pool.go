package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/any-hub/any-repo/internal/artifact"
)

// Shared HTTP transport tunings，每个源站克隆一份以便独立配置代理与空闲连接。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// DefaultMaxConnsPerHost 在未配置时使用。
const DefaultMaxConnsPerHost = 4

// drainLimit 限制归还连接时读掉的剩余正文，超出则直接关闭。
const drainLimit = 64 * 1024

// Transport 是代理仓库依赖的最小远端能力。
type Transport interface {
	Checkout(ctx context.Context, hostKey string) (*Conn, error)
	Fetch(ctx context.Context, conn *Conn, path string) (*Response, error)
	Return(conn *Conn)
	Discard(conn *Conn)
}

// Origin 描述一个远端源站。
type Origin struct {
	BaseURL           string
	Username          string
	Password          string
	ProxyURL          string
	RequestsPerSecond float64
	Timeout           time.Duration
	MaxConns          int
}

// Response 是一次成功回源的结果，Body 由调用方在归还连接前读完。
type Response struct {
	URL          string
	Body         io.ReadCloser
	Length       int64
	LastModified time.Time
	ETag         string
	ContentType  string
}

// HostStats 描述单个源站连接池的状态。
type HostStats struct {
	CheckedOut int
	Idle       int
	Created    int
	Discarded  int
}

const (
	connIdle int32 = iota
	connCheckedOut
	connDone
)

// Conn 是一次借出的连接租约。
type Conn struct {
	host  *hostPool
	id    uint64
	state atomic.Int32

	mu   sync.Mutex
	body io.ReadCloser
}

// HostKey 返回租约所属的源站键。
func (c *Conn) HostKey() string {
	return c.host.key
}

type hostPool struct {
	key     string
	base    *url.URL
	origin  Origin
	client  *http.Client
	slots   *semaphore.Weighted
	limiter *rate.Limiter

	mu         sync.Mutex
	idle       []*Conn
	checkedOut int
	created    int
	discarded  int
	nextID     uint64
}

// Observer 接收借出连接数的变化，metrics.Metrics 实现了该接口。
type Observer interface {
	SetCheckedOut(host string, n int)
}

// Pool 按源站维护连接租约，整站共享一个实例。
type Pool struct {
	maxConns int
	timeout  time.Duration
	observer Observer

	mu    sync.RWMutex
	hosts map[string]*hostPool
}

// Option 调整 Pool 的可选行为。
type Option func(*Pool)

// WithMaxConnsPerHost 设置每个源站可同时借出的租约上限。
func WithMaxConnsPerHost(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxConns = n
		}
	}
}

// WithTimeout 设置单次请求的默认超时。
func WithTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithObserver 注册借出数观测者。
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		p.observer = o
	}
}

// NewPool 创建空连接池，源站通过 Register 加入。
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		maxConns: DefaultMaxConnsPerHost,
		timeout:  30 * time.Second,
		hosts:    make(map[string]*hostPool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register 以 hostKey 注册源站，重复注册返回错误。
func (p *Pool) Register(hostKey string, origin Origin) error {
	if hostKey == "" {
		return errors.New("host key required")
	}
	base, err := url.Parse(strings.TrimSpace(origin.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("invalid origin url %q", origin.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return fmt.Errorf("unsupported origin scheme %q", base.Scheme)
	}

	transport := defaultTransport.Clone()
	if origin.ProxyURL != "" {
		proxyURL, err := url.Parse(origin.ProxyURL)
		if err != nil {
			return fmt.Errorf("invalid proxy url %q: %w", origin.ProxyURL, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	maxConns := origin.MaxConns
	if maxConns <= 0 {
		maxConns = p.maxConns
	}
	transport.MaxConnsPerHost = maxConns
	timeout := origin.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}

	hp := &hostPool{
		key:    hostKey,
		base:   base,
		origin: origin,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		slots: semaphore.NewWeighted(int64(maxConns)),
	}
	if origin.RequestsPerSecond > 0 {
		burst := int(origin.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		hp.limiter = rate.NewLimiter(rate.Limit(origin.RequestsPerSecond), burst)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.hosts[hostKey]; exists {
		return fmt.Errorf("origin %s already registered", hostKey)
	}
	p.hosts[hostKey] = hp
	return nil
}

// Checkout 借出一个租约；池满时阻塞直到有租约归还或 ctx 结束。
func (p *Pool) Checkout(ctx context.Context, hostKey string) (*Conn, error) {
	hp, ok := p.host(hostKey)
	if !ok {
		return nil, fmt.Errorf("%w: origin %s not registered", artifact.ErrRemoteUnavailable, hostKey)
	}
	if err := hp.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	hp.mu.Lock()
	var conn *Conn
	if n := len(hp.idle); n > 0 {
		conn = hp.idle[n-1]
		hp.idle = hp.idle[:n-1]
	} else {
		hp.nextID++
		hp.created++
		conn = &Conn{host: hp, id: hp.nextID}
	}
	conn.state.Store(connCheckedOut)
	hp.checkedOut++
	checkedOut := hp.checkedOut
	hp.mu.Unlock()

	p.report(hp.key, checkedOut)
	return conn, nil
}

// Fetch 在租约上发起一次 GET。200 返回正文；404/410 映射为 ErrNotFound；其余一律 ErrRemoteUnavailable。
func (p *Pool) Fetch(ctx context.Context, conn *Conn, rawPath string) (*Response, error) {
	if conn == nil || conn.state.Load() != connCheckedOut {
		return nil, errors.New("fetch on a connection that is not checked out")
	}
	hp := conn.host
	if hp.limiter != nil {
		if err := hp.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit: %v", artifact.ErrRemoteUnavailable, err)
		}
	}

	target := hp.resolve(rawPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", artifact.ErrRemoteUnavailable, err)
	}
	if hp.origin.Username != "" {
		req.SetBasicAuth(hp.origin.Username, hp.origin.Password)
	}

	resp, err := hp.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v", artifact.ErrRemoteUnavailable, target, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		conn.attach(resp.Body)
		out := &Response{
			URL:         target,
			Body:        resp.Body,
			Length:      resp.ContentLength,
			ETag:        resp.Header.Get("ETag"),
			ContentType: resp.Header.Get("Content-Type"),
		}
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, err := http.ParseTime(lm); err == nil {
				out.LastModified = t.UTC()
			}
		}
		return out, nil
	case http.StatusNotFound, http.StatusGone:
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("%w: %s returned %d", artifact.ErrNotFound, target, resp.StatusCode)
	default:
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("%w: %s returned %d", artifact.ErrRemoteUnavailable, target, resp.StatusCode)
	}
}

// Return 归还租约，剩余正文会被读掉以便底层连接复用。重复调用无副作用。
func (p *Pool) Return(conn *Conn) {
	p.release(conn, false)
}

// Discard 丢弃租约并关闭该源站的空闲底层连接。重复调用无副作用。
func (p *Pool) Discard(conn *Conn) {
	p.release(conn, true)
}

// Stats 返回指定源站的池状态。
func (p *Pool) Stats(hostKey string) HostStats {
	hp, ok := p.host(hostKey)
	if !ok {
		return HostStats{}
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return HostStats{
		CheckedOut: hp.checkedOut,
		Idle:       len(hp.idle),
		Created:    hp.created,
		Discarded:  hp.discarded,
	}
}

// TotalCheckedOut 汇总全部源站的借出数。
func (p *Pool) TotalCheckedOut() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, hp := range p.hosts {
		hp.mu.Lock()
		total += hp.checkedOut
		hp.mu.Unlock()
	}
	return total
}

// Close 关闭全部源站的空闲连接。
func (p *Pool) Close() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, hp := range p.hosts {
		hp.client.CloseIdleConnections()
	}
}

func (p *Pool) release(conn *Conn, discard bool) {
	if conn == nil || !conn.state.CompareAndSwap(connCheckedOut, connDone) {
		return
	}
	hp := conn.host
	body := conn.detach()
	if body != nil {
		if discard {
			_ = body.Close()
		} else {
			drainAndClose(body)
		}
	}

	hp.mu.Lock()
	hp.checkedOut--
	if discard {
		hp.discarded++
	} else {
		conn.state.Store(connIdle)
		hp.idle = append(hp.idle, conn)
	}
	checkedOut := hp.checkedOut
	hp.mu.Unlock()

	if discard {
		hp.client.CloseIdleConnections()
	}
	hp.slots.Release(1)
	p.report(hp.key, checkedOut)
}

func (p *Pool) host(key string) (*hostPool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hp, ok := p.hosts[key]
	return hp, ok
}

func (p *Pool) report(host string, checkedOut int) {
	if p.observer != nil {
		p.observer.SetCheckedOut(host, checkedOut)
	}
}

func (hp *hostPool) resolve(rawPath string) string {
	u := *hp.base
	u.Path = strings.TrimSuffix(hp.base.Path, "/") + "/" + strings.TrimPrefix(rawPath, "/")
	u.RawPath = ""
	return u.String()
}

func (c *Conn) attach(body io.ReadCloser) {
	c.mu.Lock()
	c.body = body
	c.mu.Unlock()
}

func (c *Conn) detach() io.ReadCloser {
	c.mu.Lock()
	defer c.mu.Unlock()
	body := c.body
	c.body = nil
	return body
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, drainLimit))
	_ = body.Close()
}
