package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
	"github.com/taoyao-code/pump-mediator/internal/metrics"
	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
	"github.com/taoyao-code/pump-mediator/internal/session"
)

type pushConn struct {
	mu     sync.Mutex
	bodies []qdp.Body
	err    error
}

func (c *pushConn) ConnID() uint64     { return 1 }
func (c *pushConn) RemoteAddr() string { return "10.0.0.9:5000" }

func (c *pushConn) Push(b qdp.Body) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.bodies = append(c.bodies, b)
	return nil
}

func (c *pushConn) pushed() []qdp.Body {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]qdp.Body(nil), c.bodies...)
}

func mustCommand(t *testing.T, serial uint32, typ CommandType, params any) Command {
	t.Helper()
	cmd, err := NewCommand(serial, typ, params)
	require.NoError(t, err)
	return cmd
}

func TestCommand_Body(t *testing.T) {
	now := time.Unix(1700000000, 0).In(time.FixedZone("UTC+8", 8*3600))

	tests := []struct {
		name    string
		cmd     Command
		want    qdp.Body
		wantErr error
	}{
		{
			name: "上报周期",
			cmd:  mustCommand(t, 1, CmdDeviceUpdate, DeviceUpdateParams{UpdatePeriod: 60, Tag: 3}),
			want: qdp.DeviceUpdate{UpdatePeriod: 60, Tag: 3},
		},
		{
			name:    "上报周期为零",
			cmd:     mustCommand(t, 1, CmdDeviceUpdate, DeviceUpdateParams{}),
			wantErr: ErrInvalidParams,
		},
		{
			name: "日志下载默认时间戳",
			cmd:  mustCommand(t, 1, CmdLogDownload, LogDownloadParams{StartID: 10, EndID: 20, Tag: 1}),
			want: qdp.LogDownloadRequest{Timestamp: 1700000000, StartID: 10, EndID: 20, Tag: 1},
		},
		{
			name:    "日志区间颠倒",
			cmd:     mustCommand(t, 1, CmdLogDownload, LogDownloadParams{StartID: 20, EndID: 10}),
			wantErr: ErrInvalidParams,
		},
		{
			name:    "缺少参数",
			cmd:     Command{Serial: 1, Type: CmdLogDownload},
			wantErr: ErrInvalidParams,
		},
		{
			name:    "参数不是JSON对象",
			cmd:     Command{Serial: 1, Type: CmdDeviceUpdate, Params: json.RawMessage(`"x"`)},
			wantErr: ErrInvalidParams,
		},
		{
			name: "时间同步",
			cmd:  Command{Serial: 1, Type: CmdTimeSync},
			want: qdp.TimeSync{Timestamp: 1700000000, UTCOffsetMinutes: 480},
		},
		{
			name: "保活",
			cmd:  Command{Serial: 1, Type: CmdKeepAlive},
			want: qdp.ConnectionEstablished{},
		},
		{
			name:    "未知命令",
			cmd:     Command{Serial: 1, Type: "reboot"},
			wantErr: ErrUnknownCommand,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Body(now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newDispatcher(t *testing.T) (*Dispatcher, *session.Manager, *metrics.AppMetrics) {
	t.Helper()
	sessions := session.New(time.Minute)
	m := metrics.NewAppMetrics(prometheus.NewRegistry())
	d, err := NewDispatcher(cfgpkg.DownlinkConfig{PoolSize: 4, Timeout: time.Second}, sessions, m, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Release(time.Second) })
	return d, sessions, m
}

func TestDispatcher_Dispatch(t *testing.T) {
	d, sessions, m := newDispatcher(t)
	conn := &pushConn{}
	sessions.Bind(1337, conn)

	r := d.Dispatch(context.Background(), mustCommand(t, 1337, CmdDeviceUpdate, DeviceUpdateParams{UpdatePeriod: 30}))
	assert.Equal(t, "sent", r.Status)
	assert.Empty(t, r.Error)
	assert.Equal(t, []qdp.Body{qdp.DeviceUpdate{UpdatePeriod: 30}}, conn.pushed())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownlinkTotal.WithLabelValues("device_update", "sent")))

	t.Run("泵不在本实例", func(t *testing.T) {
		r := d.Dispatch(context.Background(), Command{Serial: 9, Type: CmdTimeSync})
		assert.Equal(t, "offline", r.Status)
	})

	t.Run("参数错误", func(t *testing.T) {
		r := d.Dispatch(context.Background(), Command{Serial: 1337, Type: "reboot"})
		assert.Equal(t, "invalid", r.Status)
		assert.Len(t, conn.pushed(), 1)
	})

	t.Run("写入失败", func(t *testing.T) {
		bad := &pushConn{err: errors.New("broken pipe")}
		sessions.Bind(2, bad)
		r := d.Dispatch(context.Background(), Command{Serial: 2, Type: CmdTimeSync})
		assert.Equal(t, "error", r.Status)
		assert.Contains(t, r.Error, "broken pipe")
	})

	stats := d.Stats()
	assert.Equal(t, int64(1), stats["sent"])
	assert.Equal(t, int64(3), stats["failed"])
}

func TestDispatcher_Concurrent(t *testing.T) {
	d, sessions, _ := newDispatcher(t)
	conn := &pushConn{}
	sessions.Bind(7, conn)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := d.Dispatch(context.Background(), Command{Serial: 7, Type: CmdKeepAlive})
			assert.Equal(t, "sent", r.Status)
		}()
	}
	wg.Wait()
	assert.Len(t, conn.pushed(), 50)
}

func TestDispatcher_Released(t *testing.T) {
	d, _, _ := newDispatcher(t)
	require.NoError(t, d.Release(time.Second))
	r := d.Dispatch(context.Background(), Command{Serial: 7, Type: CmdKeepAlive})
	assert.Equal(t, "error", r.Status)
	assert.Equal(t, ErrPoolClosed.Error(), r.Error)
}

type fakeNATS struct {
	mu       sync.Mutex
	subject  string
	queue    string
	handler  nats.MsgHandler
	replies  map[string][]Result
	repliedC chan struct{}
}

func newFakeNATS() *fakeNATS {
	return &fakeNATS{replies: make(map[string][]Result), repliedC: make(chan struct{}, 16)}
}

func (f *fakeNATS) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.subject, f.handler = subject, cb
	return nil, nil
}

func (f *fakeNATS) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.subject, f.queue, f.handler = subject, queue, cb
	return nil, nil
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	f.mu.Lock()
	f.replies[subject] = append(f.replies[subject], r)
	f.mu.Unlock()
	f.repliedC <- struct{}{}
	return nil
}

func (f *fakeNATS) waitReply(t *testing.T, subject string) Result {
	t.Helper()
	select {
	case <-f.repliedC:
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rs := f.replies[subject]
	require.NotEmpty(t, rs)
	return rs[len(rs)-1]
}

func TestSubscriber(t *testing.T) {
	d, sessions, _ := newDispatcher(t)
	conn := &pushConn{}
	sessions.Bind(1337, conn)

	nc := newFakeNATS()
	s := NewSubscriber(nc, "pump.downlink", "", d, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	assert.Equal(t, "pump.downlink", nc.subject)
	assert.Empty(t, nc.queue)

	data, err := json.Marshal(mustCommand(t, 1337, CmdLogDownload, LogDownloadParams{Timestamp: 5, StartID: 1, EndID: 2}))
	require.NoError(t, err)
	nc.handler(&nats.Msg{Subject: "pump.downlink", Reply: "_INBOX.1", Data: data})

	r := nc.waitReply(t, "_INBOX.1")
	assert.Equal(t, "sent", r.Status)
	assert.Equal(t, uint32(1337), r.Serial)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, []qdp.Body{qdp.LogDownloadRequest{Timestamp: 5, StartID: 1, EndID: 2}}, conn.pushed())

	t.Run("非法JSON", func(t *testing.T) {
		nc.handler(&nats.Msg{Subject: "pump.downlink", Reply: "_INBOX.2", Data: []byte("{")})
		assert.Equal(t, "invalid", nc.waitReply(t, "_INBOX.2").Status)
	})

	t.Run("广播模式下离线不应答", func(t *testing.T) {
		nc.handler(&nats.Msg{Subject: "pump.downlink", Reply: "_INBOX.3", Data: []byte(`{"serial":9,"type":"time_sync"}`)})
		select {
		case <-nc.repliedC:
			t.Fatal("unexpected reply")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("队列组模式应答离线", func(t *testing.T) {
		qs := NewSubscriber(nc, "pump.downlink", "mediators", d, nil)
		require.NoError(t, qs.Start())
		assert.Equal(t, "mediators", nc.queue)
		nc.handler(&nats.Msg{Subject: "pump.downlink", Reply: "_INBOX.4", Data: []byte(`{"serial":9,"type":"time_sync"}`)})
		assert.Equal(t, "offline", nc.waitReply(t, "_INBOX.4").Status)
	})
}
