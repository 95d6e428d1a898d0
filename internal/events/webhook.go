package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
)

var (
	ErrQueueFull     = errors.New("webhook queue full")
	ErrWebhookClosed = errors.New("webhook publisher closed")
)

// 签名请求头
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

// SignHMAC HMAC-SHA256 签名（hex）
func SignHMAC(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Canonical 待签名串: METHOD\npath\ntimestamp\nnonce\nsha256(body)
func Canonical(method, path string, ts int64, nonce string, body []byte) string {
	h := sha256.Sum256(body)
	return fmt.Sprintf("%s\n%s\n%d\n%s\n%s", strings.ToUpper(method), path, ts, nonce, hex.EncodeToString(h[:]))
}

// VerifySignature 接收方校验签名
func VerifySignature(secret string, r *http.Request, body []byte) bool {
	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return false
	}
	want := SignHMAC(secret, Canonical(r.Method, r.URL.Path, ts, r.Header.Get(HeaderNonce), body))
	return hmac.Equal([]byte(want), []byte(r.Header.Get(HeaderSignature)))
}

// WebhookPublisher 把上行事件 POST 到外部 HTTP 端点。
// Publish 只入队不阻塞读循环；队列满时丢弃并返回 ErrQueueFull。
type WebhookPublisher struct {
	client   *http.Client
	endpoint string
	path     string
	apiKey   string
	secret   string
	retries  int
	backoff  []time.Duration
	types    map[string]bool
	logger   *zap.Logger
	now      func() time.Time
	onResult func(result string)

	queue  chan *Event
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewWebhookPublisher 创建并启动推送协程
func NewWebhookPublisher(cfg cfgpkg.WebhookConfig, logger *zap.Logger) (*WebhookPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("webhook url %q: invalid", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	var types map[string]bool
	if len(cfg.Types) > 0 {
		types = make(map[string]bool, len(cfg.Types))
		for _, t := range cfg.Types {
			types[t] = true
		}
	}

	p := &WebhookPublisher{
		client:   &http.Client{Timeout: timeout},
		endpoint: cfg.URL,
		path:     u.Path,
		apiKey:   cfg.APIKey,
		secret:   cfg.Secret,
		retries:  cfg.Retries,
		backoff:  backoff,
		types:    types,
		logger:   logger.With(zap.String("webhook", u.Host)),
		now:      time.Now,
		queue:    make(chan *Event, size),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("webhook publisher started", zap.Int("workers", workers), zap.Int("queue_size", size))
	return p, nil
}

// SetResultCallback 每次投递结束后回调 ok|error|rejected|dropped
func (p *WebhookPublisher) SetResultCallback(fn func(result string)) { p.onResult = fn }

// Publish 入队；被类型过滤的事件直接忽略
func (p *WebhookPublisher) Publish(ctx context.Context, ev *Event) error {
	if p.types != nil && !p.types[ev.Type] {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrWebhookClosed
	}
	select {
	case p.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.result("dropped")
		return ErrQueueFull
	}
}

// Pending 队列中待投递的事件数
func (p *WebhookPublisher) Pending() int { return len(p.queue) }

// Close 停止入队并等待已入队事件投递完成（或 ctx 结束）
func (p *WebhookPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WebhookPublisher) worker() {
	defer p.wg.Done()
	for ev := range p.queue {
		code, err := p.send(context.Background(), ev)
		switch {
		case err == nil:
			p.result("ok")
		case code >= 400 && code < 500:
			p.result("rejected")
			p.logger.Warn("webhook rejected event", zap.String("event_id", ev.ID), zap.Int("status", code))
		default:
			p.result("error")
			p.logger.Warn("webhook delivery failed",
				zap.String("event_id", ev.ID),
				zap.String("type", ev.Type),
				zap.Uint32("serial", ev.Serial),
				zap.Error(err))
		}
	}
}

// send 签名并投递一条事件；仅对网络错误与 5xx 重试
func (p *WebhookPublisher) send(ctx context.Context, ev *Event) (int, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}

	var code int
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		code, lastErr = p.post(ctx, body)
		if lastErr == nil {
			return code, nil
		}
		if code >= 400 && code < 500 {
			return code, lastErr
		}
		if attempt == p.retries {
			break
		}
		wait := p.backoff[min(attempt, len(p.backoff)-1)]
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}
	return code, lastErr
}

func (p *WebhookPublisher) post(ctx context.Context, body []byte) (int, error) {
	ts := p.now().Unix()
	nonce := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set(HeaderAPIKey, p.apiKey)
	}
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, SignHMAC(p.secret, Canonical(http.MethodPost, p.path, ts, nonce, body)))

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook http %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (p *WebhookPublisher) result(r string) {
	if p.onResult != nil {
		p.onResult(r)
	}
}
