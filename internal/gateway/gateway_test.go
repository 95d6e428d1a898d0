package gateway

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
	"github.com/taoyao-code/pump-mediator/internal/events"
	"github.com/taoyao-code/pump-mediator/internal/metrics"
	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
	"github.com/taoyao-code/pump-mediator/internal/protocol/qtp"
	"github.com/taoyao-code/pump-mediator/internal/protocol/wire"
	"github.com/taoyao-code/pump-mediator/internal/session"
	"github.com/taoyao-code/pump-mediator/internal/tcpserver"
)

type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
	done   chan struct{}
}

func newFakeTransport() *fakeTransport { return &fakeTransport{done: make(chan struct{})} }

func (f *fakeTransport) ID() uint64 { return 7 }

func (f *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 40000}
}

func (f *fakeTransport) Write(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return tcpserver.ErrConnClosed
	}
	f.writes = append(f.writes, append([]byte(nil), b...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

// messages 解码已写出的全部帧
func (f *fakeTransport) messages(t *testing.T) []*qdp.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*qdp.Message
	for _, raw := range f.writes {
		fr, err := qtp.Parse(raw)
		require.NoError(t, err)
		m, err := qdp.Decode(fr.Payload)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	pc       *PumpConnection
	tr       *fakeTransport
	pub      *recordingPublisher
	sessions *session.Manager
	metrics  *metrics.AppMetrics
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		tr:       newFakeTransport(),
		pub:      &recordingPublisher{},
		sessions: session.New(time.Minute),
		metrics:  metrics.NewAppMetrics(prometheus.NewRegistry()),
	}
	deps := &Deps{
		Sessions:  h.sessions,
		Publisher: h.pub,
		Metrics:   h.metrics,
		Now:       func() time.Time { return time.Unix(1700000000, 0).UTC() },
	}
	if mutate != nil {
		mutate(deps)
	}
	h.pc = NewPumpConnection(h.tr, deps)
	return h
}

func frame(t *testing.T, serial uint32, body qdp.Body) []byte {
	t.Helper()
	raw, err := qdp.Build(serial, body)
	require.NoError(t, err)
	return raw
}

var regReq = qdp.RegistrationRequest{
	DeviceVersion:   qdp.Version{Major: 2, Minor: 1, Build: 7},
	FirmwareVersion: qdp.Version{Major: 4, Minor: 3, Build: 120},
	Model:           "QX-200",
	Channels:        2,
}

var status = qdp.ClinicalStatusUpdate{
	Sequence: 1, Timestamp: 1700000000, Channel: 1, State: 2,
	Drug: "heparin", Rate: 1250, VolumeInfused: 300, VolumeRemaining: 4700,
}

func TestPumpConnection_Registration(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, PhaseUnregistered, h.pc.Phase())

	require.NoError(t, h.pc.OnBytes(frame(t, 1337, regReq)))

	assert.True(t, h.pc.Registered())
	assert.Equal(t, uint32(1337), h.pc.Serial())

	msgs := h.tr.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(1337), msgs[0].DeviceSerial)
	assert.Equal(t, qdp.RegistrationResponse{Result: qdp.RegistrationAccepted}, msgs[0].Body)

	conn, ok := h.sessions.GetConn(1337)
	require.True(t, ok)
	assert.Same(t, h.pc, conn)
	assert.Equal(t, []string{"registration_request"}, h.pub.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Registrations.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OnlineGauge))

	t.Run("重复注册幂等", func(t *testing.T) {
		require.NoError(t, h.pc.OnBytes(frame(t, 1337, regReq)))
		assert.Len(t, h.tr.messages(t), 2)
		assert.Equal(t, []uint32{1337}, h.sessions.Serials())
	})

	t.Run("换序列号重新绑定", func(t *testing.T) {
		require.NoError(t, h.pc.OnBytes(frame(t, 2024, regReq)))
		assert.Equal(t, uint32(2024), h.pc.Serial())
		_, ok := h.sessions.GetConn(1337)
		assert.False(t, ok)
		_, ok = h.sessions.GetConn(2024)
		assert.True(t, ok)
	})
}

func TestPumpConnection_RegistrationRejected(t *testing.T) {
	policy, err := NewPolicy(cfgpkg.RegistrationConfig{AllowSerials: []uint32{1}, MinFirmware: "4.3.0"})
	require.NoError(t, err)
	h := newHarness(t, func(d *Deps) { d.Policy = policy })

	require.NoError(t, h.pc.OnBytes(frame(t, 99, regReq)))
	assert.False(t, h.pc.Registered())

	msgs := h.tr.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, qdp.RegistrationResponse{Result: qdp.RegistrationRejected}, msgs[0].Body)
	assert.Empty(t, h.sessions.Serials())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Registrations.WithLabelValues("rejected")))

	t.Run("已注册后被拒回到未注册", func(t *testing.T) {
		require.NoError(t, h.pc.OnBytes(frame(t, 1, regReq)))
		require.True(t, h.pc.Registered())

		old := regReq
		old.FirmwareVersion = qdp.Version{Major: 4, Minor: 2, Build: 999}
		require.NoError(t, h.pc.OnBytes(frame(t, 1, old)))
		assert.False(t, h.pc.Registered())
		assert.Empty(t, h.sessions.Serials())
	})
}

func TestPumpConnection_UnregisteredDropped(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.pc.OnBytes(frame(t, 5, status)))
	require.NoError(t, h.pc.OnBytes(frame(t, 5, qdp.TimeSync{Timestamp: 1})))

	assert.Empty(t, h.tr.messages(t))
	assert.Empty(t, h.pub.types())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.QDPDropped.WithLabelValues("unregistered")))
	assert.False(t, h.tr.closed)
}

func TestPumpConnection_RegisteredReactions(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.pc.OnBytes(frame(t, 1337, regReq)))

	var stream []byte
	stream = append(stream, frame(t, 1337, status)...)
	stream = append(stream, frame(t, 1337, qdp.FileDeploymentInquiry{FileType: 2, FileID: 9, PayloadLength: 1167, Name: "library.db"})...)
	stream = append(stream, frame(t, 1337, qdp.TimeSync{Timestamp: 1699999990, UTCOffsetMinutes: 60})...)
	stream = append(stream, frame(t, 1337, qdp.ConnectionEstablished{})...)
	stream = append(stream, frame(t, 1337, qdp.Acknowledgement{FollowingType: qdp.TypeDeviceUpdate, DeviceSerial: 1337, ProtocolVersion: qdp.ProtocolV145})...)
	require.NoError(t, h.pc.OnBytes(stream))

	msgs := h.tr.messages(t)[1:]
	require.Len(t, msgs, 3)
	assert.Equal(t, qdp.Acknowledgement{FollowingType: qdp.TypeClinicalStatusUpdate, DeviceSerial: 1337, ProtocolVersion: qdp.ProtocolV145}, msgs[0].Body)
	assert.Equal(t, qdp.Acknowledgement{FollowingType: qdp.TypeFileDeploymentInquiry, DeviceSerial: 1337, ProtocolVersion: qdp.ProtocolV145}, msgs[1].Body)
	assert.Equal(t, qdp.TimeSync{Timestamp: 1700000000}, msgs[2].Body)

	assert.Equal(t, []string{"registration_request", "clinical_status_update", "file_deployment_inquiry"}, h.pub.types())
	assert.Equal(t, qdp.TypeAcknowledgement, h.pc.LastMessage().Type())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.QDPRouteTotal.WithLabelValues("time_sync")))
	assert.Equal(t, 6.0, testutil.ToFloat64(h.metrics.QTPFrames.WithLabelValues("ok")))
}

func TestPumpConnection_ByteAtATimeMatchesWholeStream(t *testing.T) {
	var stream []byte
	stream = append(stream, frame(t, 42, regReq)...)
	for i := uint32(0); i < 10; i++ {
		s := status
		s.Sequence = i
		stream = append(stream, frame(t, 42, s)...)
	}

	whole := newHarness(t, nil)
	require.NoError(t, whole.pc.OnBytes(stream))

	single := newHarness(t, nil)
	for i := range stream {
		require.Greater(t, single.pc.NextReadSize(), 0)
		require.NoError(t, single.pc.OnBytes(stream[i:i+1]))
	}

	assert.Equal(t, whole.tr.writes, single.tr.writes)
	assert.Equal(t, whole.pub.types(), single.pub.types())
	assert.Len(t, single.pub.types(), 11)
}

func TestPumpConnection_UnknownTypeContinues(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.pc.OnBytes(frame(t, 42, regReq)))

	unknown, err := qtp.Wrap([]byte{0x3A, 0x2A, 0x00, 0x00, 0x00, 0x01, 0x02})
	require.NoError(t, err)
	stream := append(unknown, frame(t, 42, status)...)
	require.NoError(t, h.pc.OnBytes(stream))

	assert.Equal(t, []string{"registration_request", "unhandled_0x3a", "clinical_status_update"}, h.pub.types())
	h.pub.mu.Lock()
	ev := h.pub.events[1]
	h.pub.mu.Unlock()
	assert.Equal(t, uint32(42), ev.Serial)
	assert.Equal(t, qdp.Unhandled{Type: 0x3A, Raw: []byte{0x2A, 0x00, 0x00, 0x00, 0x01, 0x02}}, ev.Body)
}

func TestPumpConnection_ProtocolErrors(t *testing.T) {
	t.Run("帧标记错误", func(t *testing.T) {
		h := newHarness(t, nil)
		err := h.pc.OnBytes([]byte{0xBB, 0x00})
		require.ErrorIs(t, err, qtp.ErrSizeMarker)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ProtocolErrors.WithLabelValues("qtp")))
	})

	t.Run("消息解码错误", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.pc.OnBytes(frame(t, 42, regReq)))

		raw := frame(t, 42, status)
		// 截掉载荷末尾一字节并重新包装
		fr, err := qtp.Parse(raw)
		require.NoError(t, err)
		bad, err := qtp.Wrap(fr.Payload[:len(fr.Payload)-1])
		require.NoError(t, err)

		err = h.pc.OnBytes(bad)
		require.Error(t, err)
		assert.True(t, wire.IsProtocolError(err))
		assert.ErrorIs(t, err, wire.ErrTruncated)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ProtocolErrors.WithLabelValues("qdp")))
		assert.Equal(t, qdp.TypeRegistrationRequest, h.pc.LastMessage().Type())
	})

	t.Run("应答校验和错误", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.pc.OnBytes(frame(t, 42, regReq)))
		raw := frame(t, 42, qdp.Acknowledgement{FollowingType: qdp.TypeTimeSync, DeviceSerial: 42, ProtocolVersion: qdp.ProtocolV145})
		raw[len(raw)-2] ^= 0x01
		assert.ErrorIs(t, h.pc.OnBytes(raw), qdp.ErrChecksum)
	})
}

func TestPumpConnection_Push(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.pc.Push(qdp.DeviceUpdate{UpdatePeriod: 30, Tag: 1}), ErrNotRegistered)

	require.NoError(t, h.pc.OnBytes(frame(t, 77, regReq)))
	require.NoError(t, h.pc.Push(qdp.DeviceUpdate{UpdatePeriod: 30, Tag: 1}))

	msgs := h.tr.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint32(77), msgs[1].DeviceSerial)
	assert.Equal(t, qdp.DeviceUpdate{UpdatePeriod: 30, Tag: 1}, msgs[1].Body)
}

func TestPumpConnection_KeepAliveAndClose(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.KeepAliveInterval = 10 * time.Millisecond })
	require.NoError(t, h.pc.OnBytes(frame(t, 77, regReq)))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.KeepAliveSent) >= 2
	}, time.Second, 5*time.Millisecond)

	for _, m := range h.tr.messages(t)[1:] {
		assert.Equal(t, qdp.TypeConnectionEstablished, m.Type())
		assert.Equal(t, uint32(77), m.DeviceSerial)
	}

	h.pc.OnClose(tcpserver.ReasonEOF, nil)
	assert.False(t, h.pc.Registered())
	assert.Empty(t, h.sessions.Serials())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.OnlineGauge))

	// 关闭后保活停止
	time.Sleep(20 * time.Millisecond)
	sent := testutil.ToFloat64(h.metrics.KeepAliveSent)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, sent, testutil.ToFloat64(h.metrics.KeepAliveSent))

	// 重复关闭无副作用
	h.pc.OnClose(tcpserver.ReasonShutdown, nil)
}

func TestPumpConnection_KeepAliveResumesAfterRejectedReregistration(t *testing.T) {
	policy, err := NewPolicy(cfgpkg.RegistrationConfig{AllowSerials: []uint32{1}, MinFirmware: "4.3.0"})
	require.NoError(t, err)
	h := newHarness(t, func(d *Deps) {
		d.Policy = policy
		d.KeepAliveInterval = 10 * time.Millisecond
	})
	defer h.pc.OnClose(tcpserver.ReasonShutdown, nil)

	require.NoError(t, h.pc.OnBytes(frame(t, 1, regReq)))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.KeepAliveSent) >= 1
	}, time.Second, 5*time.Millisecond)

	old := regReq
	old.FirmwareVersion = qdp.Version{Major: 4, Minor: 2, Build: 999}
	require.NoError(t, h.pc.OnBytes(frame(t, 1, old)))
	require.False(t, h.pc.Registered())

	// 未注册期间不下发保活
	time.Sleep(30 * time.Millisecond)
	paused := testutil.ToFloat64(h.metrics.KeepAliveSent)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, testutil.ToFloat64(h.metrics.KeepAliveSent))

	require.NoError(t, h.pc.OnBytes(frame(t, 1, regReq)))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.KeepAliveSent) >= paused+2
	}, time.Second, 5*time.Millisecond)

	msgs := h.tr.messages(t)
	last := msgs[len(msgs)-1]
	assert.Equal(t, qdp.TypeConnectionEstablished, last.Type())
	assert.Equal(t, uint32(1), last.DeviceSerial)
}

func TestPumpConnection_LoggerCarriesCurrentSerial(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := newHarness(t, func(d *Deps) { d.Logger = zap.New(core) })

	require.NoError(t, h.pc.OnBytes(frame(t, 1337, regReq)))
	require.NoError(t, h.pc.OnBytes(frame(t, 1337, regReq)))
	require.NoError(t, h.pc.OnBytes(frame(t, 2024, regReq)))
	h.pc.OnClose(tcpserver.ReasonEOF, nil)

	closed := logs.FilterMessage("pump connection closed").All()
	require.Len(t, closed, 1)
	var serials []uint32
	for _, f := range closed[0].Context {
		if f.Key == "serial" {
			serials = append(serials, uint32(f.Integer))
		}
	}
	assert.Equal(t, []uint32{2024}, serials)

	for _, e := range logs.FilterMessage("pump registered").All() {
		n := 0
		for _, f := range e.Context {
			if f.Key == "serial" {
				n++
			}
		}
		assert.Equal(t, 1, n)
	}
}

// countingSessions 统计会话心跳次数
type countingSessions struct {
	*session.Manager
	mu    sync.Mutex
	beats int
}

func (c *countingSessions) OnHeartbeat(serial uint32, t time.Time) {
	c.mu.Lock()
	c.beats++
	c.mu.Unlock()
	c.Manager.OnHeartbeat(serial, t)
}

func (c *countingSessions) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beats
}

func TestPumpConnection_HeartbeatThrottled(t *testing.T) {
	sessions := &countingSessions{Manager: session.New(time.Minute)}
	now := time.Unix(1700000000, 0)
	h := newHarness(t, func(d *Deps) {
		d.Sessions = sessions
		d.Now = func() time.Time { return now }
	})

	require.NoError(t, h.pc.OnBytes(frame(t, 1337, regReq)))
	assert.Equal(t, 1, sessions.count())

	for i := 0; i < 50; i++ {
		require.NoError(t, h.pc.OnBytes(frame(t, 1337, status)))
	}
	assert.Equal(t, 1, sessions.count())

	now = now.Add(time.Second)
	require.NoError(t, h.pc.OnBytes(frame(t, 1337, status)))
	assert.Equal(t, 2, sessions.count())

	info, ok := sessions.Info(1337, now)
	require.True(t, ok)
	assert.Equal(t, now, info.LastSeen)

	// 重新注册总是刷新
	require.NoError(t, h.pc.OnBytes(frame(t, 1337, regReq)))
	assert.Equal(t, 3, sessions.count())
}

func TestConnHandler_OverServer(t *testing.T) {
	sessions := session.New(time.Minute)
	pub := &recordingPublisher{}
	srv := tcpserver.New(cfgpkg.TCPConfig{Addr: "127.0.0.1:0", ReadTimeout: time.Second}, nil)
	srv.SetConnHandler(NewConnHandler(&Deps{Sessions: sessions, Publisher: pub}))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	c, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write(frame(t, 1337, regReq))
	require.NoError(t, err)

	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	codec := qtp.NewCodec()
	buf := make([]byte, 64)
	var got *qtp.Frame
	for got == nil {
		n, err := c.Read(buf[:codec.Remaining()])
		require.NoError(t, err)
		frames, err := codec.Feed(buf[:n])
		require.NoError(t, err)
		if len(frames) > 0 {
			got = frames[0]
		}
	}
	assert.Equal(t, []byte{0x02, 0x39, 0x05, 0x00, 0x00, 0x9C, 0x91, 0x01}, got.Payload)

	assert.Eventually(t, func() bool {
		_, ok := sessions.GetConn(1337)
		return ok
	}, time.Second, 5*time.Millisecond)

	// 协议错误断开后会话解除
	_, err = c.Write([]byte{0x00})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(sessions.Serials()) == 0 }, time.Second, 5*time.Millisecond)
}
