package gateway

import (
	"go.uber.org/zap"

	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
)

// handleRegistration 注册握手：策略通过则应答 1 并绑定会话，否则应答 0
func (pc *PumpConnection) handleRegistration(m *qdp.Message) error {
	req := m.Body.(qdp.RegistrationRequest)
	serial := m.DeviceSerial
	log := pc.base.With(
		zap.Uint32("serial", serial),
		zap.String("model", req.Model),
		zap.String("firmware", req.FirmwareVersion.String()))

	if err := pc.deps.Policy.Accept(serial, req); err != nil {
		pc.countRegistration("rejected")
		log.Warn("pump registration rejected", zap.Error(err))

		pc.mu.Lock()
		wasRegistered, prev := pc.phase == PhaseRegistered, pc.serial
		pc.phase, pc.serial = PhaseUnregistered, 0
		pc.log = pc.base
		pc.mu.Unlock()
		if wasRegistered {
			pc.deps.Sessions.Unbind(prev, pc)
			pc.updateOnline()
		}
		return pc.write(qdp.BuildRegistrationResponse(serial, false))
	}

	if err := pc.write(qdp.BuildRegistrationResponse(serial, true)); err != nil {
		return err
	}

	pc.mu.Lock()
	wasRegistered, prev := pc.phase == PhaseRegistered, pc.serial
	pc.phase, pc.serial = PhaseRegistered, serial
	if !wasRegistered || prev != serial {
		pc.log = pc.base.With(zap.Uint32("serial", serial))
	}
	pc.mu.Unlock()

	if wasRegistered && prev != serial {
		pc.deps.Sessions.Unbind(prev, pc)
	}
	if !wasRegistered || prev != serial {
		pc.deps.Sessions.Bind(serial, pc)
	}
	pc.heartbeat(true)
	pc.updateOnline()
	pc.countRegistration("accepted")
	log.Info("pump registered",
		zap.Bool("re_registration", wasRegistered),
		zap.Uint8("channels", req.Channels),
		zap.String("device_version", req.DeviceVersion.String()))

	pc.startKeepAlive()
	pc.publish(m)
	return nil
}

// handleTimeSync 以服务器时间应答
func (pc *PumpConnection) handleTimeSync(m *qdp.Message) error {
	if ts, ok := m.Body.(qdp.TimeSync); ok {
		pc.logger().Debug("time sync", zap.Uint32("pump_timestamp", ts.Timestamp))
	}
	return pc.write(qdp.BuildTimeSync(pc.Serial(), pc.deps.Now()))
}

// handleKeepAlive 心跳已在 OnFrame 中刷新
func (pc *PumpConnection) handleKeepAlive(m *qdp.Message) error {
	if ack, ok := m.Body.(qdp.Acknowledgement); ok {
		pc.logger().Debug("pump acknowledged", zap.String("following", ack.FollowingType.String()))
	}
	return nil
}

// handleAcknowledged 转发后应答 Acknowledgement(following=收到的类型)
func (pc *PumpConnection) handleAcknowledged(m *qdp.Message) error {
	pc.publish(m)
	return pc.write(qdp.BuildAcknowledgement(pc.Serial(), m.Type()))
}

func (pc *PumpConnection) handleForward(m *qdp.Message) error {
	pc.logger().Info("unexpected direction, forwarding", zap.String("msg_type", m.Type().String()))
	pc.publish(m)
	return nil
}

func (pc *PumpConnection) handleUnhandled(m *qdp.Message) error {
	if pc.logger().Core().Enabled(zap.DebugLevel) {
		raw := m.Body.(qdp.Unhandled).Raw
		pc.logger().Debug("unhandled message type",
			zap.String("msg_type", m.Type().String()),
			zap.Int("len", len(raw)),
			zap.Binary("raw", raw))
	}
	pc.publish(m)
	return nil
}

func (pc *PumpConnection) countRegistration(result string) {
	if pc.deps.Metrics != nil {
		pc.deps.Metrics.Registrations.WithLabelValues(result).Inc()
	}
}
