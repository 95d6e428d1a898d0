package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
)

type sinkEvent struct {
	ID     string `json:"id"`
	Serial uint32 `json:"serial"`
	Type   string `json:"type"`
}

// webhookSink 记录收到的事件并校验签名
type webhookSink struct {
	*httptest.Server
	mu       sync.Mutex
	events   []sinkEvent
	badSig   int
	failures atomic.Int32 // 前 n 次返回 503
	status   int
}

func newWebhookSink(t *testing.T, secret string) *webhookSink {
	s := &webhookSink{status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if s.failures.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !VerifySignature(secret, r, body) || r.Header.Get(HeaderAPIKey) != "key" {
			s.badSig++
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var ev sinkEvent
		_ = json.Unmarshal(body, &ev)
		s.events = append(s.events, ev)
		w.WriteHeader(s.status)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *webhookSink) received() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEvent(nil), s.events...)
}

type resultLog struct {
	mu sync.Mutex
	rs []string
}

func (l *resultLog) add(r string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rs = append(l.rs, r)
}

func (l *resultLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.rs...)
}

func webhookConfig(url string) cfgpkg.WebhookConfig {
	return cfgpkg.WebhookConfig{
		Enabled: true,
		URL:     url + "/hooks/pump",
		APIKey:  "key",
		Secret:  "s3cret",
		Timeout: time.Second,
		Retries: 2,
		Backoff: []time.Duration{time.Millisecond},
		Workers: 1,
	}
}

func closeWebhook(t *testing.T, p *WebhookPublisher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func TestSignHMAC(t *testing.T) {
	got := SignHMAC("secret", Canonical("post", "/path", 1700000000, "nonce", []byte("{}")))
	assert.Len(t, got, 64)
	assert.Equal(t, got, SignHMAC("secret", Canonical("POST", "/path", 1700000000, "nonce", []byte("{}"))))
	assert.NotEqual(t, got, SignHMAC("other", Canonical("POST", "/path", 1700000000, "nonce", []byte("{}"))))
}

func TestWebhookPublisher_Delivers(t *testing.T) {
	sink := newWebhookSink(t, "s3cret")
	p, err := NewWebhookPublisher(webhookConfig(sink.URL), nil)
	require.NoError(t, err)
	var results resultLog
	p.SetResultCallback(results.add)

	require.NoError(t, p.Publish(context.Background(), statusEvent()))
	closeWebhook(t, p)

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, "clinical_status_update", got[0].Type)
	assert.Equal(t, uint32(1337), got[0].Serial)
	assert.Zero(t, sink.badSig)
	assert.Equal(t, []string{"ok"}, results.all())
}

func TestWebhookPublisher_RetriesServerErrors(t *testing.T) {
	t.Run("重试后成功", func(t *testing.T) {
		sink := newWebhookSink(t, "s3cret")
		sink.failures.Store(2)
		p, err := NewWebhookPublisher(webhookConfig(sink.URL), nil)
		require.NoError(t, err)

		require.NoError(t, p.Publish(context.Background(), statusEvent()))
		closeWebhook(t, p)
		assert.Len(t, sink.received(), 1)
	})

	t.Run("重试耗尽", func(t *testing.T) {
		sink := newWebhookSink(t, "s3cret")
		sink.failures.Store(10)
		p, err := NewWebhookPublisher(webhookConfig(sink.URL), nil)
		require.NoError(t, err)
		var results resultLog
		p.SetResultCallback(results.add)

		require.NoError(t, p.Publish(context.Background(), statusEvent()))
		closeWebhook(t, p)
		assert.Empty(t, sink.received())
		assert.Equal(t, []string{"error"}, results.all())
		assert.Equal(t, int32(10-3), sink.failures.Load())
	})
}

func TestWebhookPublisher_BadSecretRejected(t *testing.T) {
	sink := newWebhookSink(t, "s3cret")
	cfg := webhookConfig(sink.URL)
	cfg.Secret = "wrong"
	p, err := NewWebhookPublisher(cfg, nil)
	require.NoError(t, err)
	var results resultLog
	p.SetResultCallback(results.add)

	require.NoError(t, p.Publish(context.Background(), statusEvent()))
	closeWebhook(t, p)
	assert.Equal(t, 1, sink.badSig, "4xx is not retried")
	assert.Equal(t, []string{"rejected"}, results.all())
}

func TestWebhookPublisher_TypeFilter(t *testing.T) {
	sink := newWebhookSink(t, "s3cret")
	cfg := webhookConfig(sink.URL)
	cfg.Types = []string{"registration_request"}
	p, err := NewWebhookPublisher(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), statusEvent()))
	closeWebhook(t, p)
	assert.Empty(t, sink.received())
}

func TestWebhookPublisher_QueueFullAndClosed(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()

	cfg := webhookConfig(srv.URL)
	cfg.QueueSize = 1
	cfg.Retries = 0
	p, err := NewWebhookPublisher(cfg, nil)
	require.NoError(t, err)

	// 第一条被 worker 取走阻塞，第二条占满队列
	require.NoError(t, p.Publish(context.Background(), statusEvent()))
	require.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Publish(context.Background(), statusEvent()))
	assert.ErrorIs(t, p.Publish(context.Background(), statusEvent()), ErrQueueFull)

	close(block)
	closeWebhook(t, p)
	assert.ErrorIs(t, p.Publish(context.Background(), statusEvent()), ErrWebhookClosed)
}

func TestNewWebhookPublisher_InvalidURL(t *testing.T) {
	_, err := NewWebhookPublisher(cfgpkg.WebhookConfig{URL: "not a url"}, nil)
	assert.Error(t, err)
}

func TestFanout(t *testing.T) {
	bus := &fakeBus{}
	failing := &fakeBus{err: assert.AnError}
	f := Fanout{NewNATSPublisher(bus, "pump.uplink", nil, nil), NewNATSPublisher(failing, "x", nil, nil)}

	err := f.Publish(context.Background(), statusEvent())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, bus.msgs["pump.uplink.all"], 1, "a failing sink does not block the others")
}
