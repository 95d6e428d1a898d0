package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
	"github.com/taoyao-code/pump-mediator/internal/pumpsim"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5016", "mediator pump port")
	serial := flag.Uint("serial", 12345678, "device serial")
	model := flag.String("model", "QX-200", "pump model")
	firmware := flag.String("firmware", "2.0.10", "firmware version")
	fixture := flag.String("fixture", "", "replay frames from a YAML fixture instead of the built-in session")
	rewrite := flag.Bool("rewrite", true, "replace the fixture serial with -serial")
	count := flag.Int("count", 5, "status updates to send")
	interval := flag.Duration("interval", time.Second, "interval between status updates")
	timeout := flag.Duration("timeout", 5*time.Second, "per read/write timeout")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	if err := run(logger, *addr, uint32(*serial), *model, *firmware, *fixture, *rewrite, *count, *interval, *timeout); err != nil {
		logger.Error("pumpsim failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(logger *zap.Logger, addr string, serial uint32, model, firmware, fixture string, rewrite bool, count int, interval, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	c, err := pumpsim.Dial(ctx, addr, serial, pumpsim.WithTimeout(timeout), pumpsim.WithLogger(logger))
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	if fixture != "" {
		f, err := pumpsim.LoadFixture(fixture)
		if err != nil {
			return err
		}
		n, err := c.Replay(f, rewrite)
		logger.Info("fixture replayed", zap.String("fixture", f.Name), zap.Int("frames", n))
		return err
	}

	fw, err := qdp.ParseVersion(firmware)
	if err != nil {
		return err
	}
	if err := c.Register(qdp.RegistrationRequest{
		DeviceVersion:   qdp.Version{Major: 1},
		FirmwareVersion: fw,
		Model:           model,
		Channels:        1,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if t, err := c.SyncTime(time.Now()); err == nil {
		logger.Info("time synced", zap.Time("mediator_time", t))
	}

	for i := 1; i <= count; i++ {
		ack, err := c.SendStatus(qdp.ClinicalStatusUpdate{
			Sequence:        uint32(i),
			Timestamp:       uint32(time.Now().Unix()),
			Channel:         1,
			State:           1,
			Drug:            "Saline",
			Rate:            12500,
			VolumeInfused:   uint32(i) * 100,
			VolumeRemaining: 50000 - uint32(i)*100,
		})
		if err != nil {
			return err
		}
		logger.Info("status acknowledged", zap.Int("sequence", i), zap.String("following", ack.FollowingType.String()))
		time.Sleep(interval)
	}
	return nil
}
