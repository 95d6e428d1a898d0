package pumpsim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
	"github.com/taoyao-code/pump-mediator/internal/gateway"
	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
	"github.com/taoyao-code/pump-mediator/internal/protocol/qtp"
	"github.com/taoyao-code/pump-mediator/internal/session"
	"github.com/taoyao-code/pump-mediator/internal/tcpserver"
)

const captureSerial uint32 = 12345678

func TestLoadFixture(t *testing.T) {
	f, err := LoadFixture("testdata/capture.yaml")
	require.NoError(t, err)
	assert.Equal(t, "qx200-session", f.Name)
	require.Len(t, f.Frames, 6)

	for _, fr := range f.Frames {
		raw, err := fr.Bytes()
		require.NoError(t, err, fr.Name)
		pf, err := qtp.Parse(raw)
		require.NoError(t, err, fr.Name)
		m, err := qdp.Decode(pf.Payload)
		require.NoError(t, err, fr.Name)
		if m.Type().Known() {
			assert.Equal(t, captureSerial, m.DeviceSerial, fr.Name)
		}
	}

	t.Run("文件部署载荷长度", func(t *testing.T) {
		raw, err := f.Frames[3].Bytes()
		require.NoError(t, err)
		pf, err := qtp.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, uint16(27), pf.Length)
		m, err := qdp.Decode(pf.Payload)
		require.NoError(t, err)
		assert.Equal(t, uint32(1167), m.Body.(qdp.FileDeploymentInquiry).PayloadLength)
	})
}

func TestParseFixture_Errors(t *testing.T) {
	_, err := ParseFixture([]byte("frames:\n  - name: bad\n    hex: zz\n"))
	assert.Error(t, err)

	_, err = ParseFixture([]byte("frames:\n  - name: x\n    hex: bbdd0000cc\n    expect: nope\n"))
	assert.Error(t, err)

	f, err := ParseFixture([]byte("frames:\n  - name: ka\n    hex: bbdd0000cc\n    delay: 10ms\n"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, f.Frames[0].Delay)
}

type env struct {
	sessions *session.Manager
	addr     string
}

func startMediator(t *testing.T, policy gateway.RegistrationPolicy) *env {
	t.Helper()
	sessions := session.New(time.Minute)
	srv := tcpserver.New(cfgpkg.TCPConfig{Addr: "127.0.0.1:0", ReadTimeout: 2 * time.Second}, nil)
	srv.SetConnHandler(gateway.NewConnHandler(&gateway.Deps{Sessions: sessions, Policy: policy}))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &env{sessions: sessions, addr: srv.Addr().String()}
}

func dial(t *testing.T, e *env, serial uint32) *Client {
	t.Helper()
	c, err := Dial(context.Background(), e.addr, serial, WithTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var req = qdp.RegistrationRequest{
	DeviceVersion:   qdp.Version{Major: 1, Minor: 2, Build: 3},
	FirmwareVersion: qdp.Version{Major: 2, Build: 10},
	Model:           "QX-200",
	Channels:        2,
}

func TestClient_Session(t *testing.T) {
	e := startMediator(t, nil)
	c := dial(t, e, 4242)

	require.NoError(t, c.Register(req))
	require.Eventually(t, func() bool {
		_, ok := e.sessions.GetConn(4242)
		return ok
	}, time.Second, 10*time.Millisecond)

	ack, err := c.SendStatus(qdp.ClinicalStatusUpdate{Sequence: 1, Channel: 1, Drug: "Heparin"})
	require.NoError(t, err)
	assert.Equal(t, qdp.TypeClinicalStatusUpdate, ack.FollowingType)
	assert.Equal(t, uint32(4242), ack.DeviceSerial)

	now := time.Now()
	got, err := c.SyncTime(now)
	require.NoError(t, err)
	assert.WithinDuration(t, now, got, 2*time.Second)
}

func TestClient_Rejected(t *testing.T) {
	policy, err := gateway.NewPolicy(cfgpkg.RegistrationConfig{AllowSerials: []uint32{1}})
	require.NoError(t, err)
	e := startMediator(t, policy)
	c := dial(t, e, 4242)

	assert.ErrorIs(t, c.Register(req), ErrRejected)
	_, ok := e.sessions.GetConn(4242)
	assert.False(t, ok)
}

func TestClient_Replay(t *testing.T) {
	f, err := LoadFixture("testdata/capture.yaml")
	require.NoError(t, err)

	t.Run("原序列号", func(t *testing.T) {
		e := startMediator(t, nil)
		c := dial(t, e, captureSerial)
		n, err := c.Replay(f, false)
		require.NoError(t, err)
		assert.Equal(t, len(f.Frames), n)
		_, ok := e.sessions.GetConn(captureSerial)
		assert.True(t, ok)
	})

	t.Run("替换序列号", func(t *testing.T) {
		e := startMediator(t, nil)
		c := dial(t, e, 777)
		n, err := c.Replay(f, true)
		require.NoError(t, err)
		assert.Equal(t, len(f.Frames), n)
		_, ok := e.sessions.GetConn(777)
		assert.True(t, ok)
		_, ok = e.sessions.GetConn(captureSerial)
		assert.False(t, ok)
	})
}
