package qdp

import (
	"fmt"
	"time"

	"github.com/taoyao-code/pump-mediator/internal/protocol/qtp"
)

// Build 编码消息并包装为完整 QTP 帧
func Build(serial uint32, body Body) ([]byte, error) {
	return BuildVersion(serial, ProtocolV145, body)
}

// BuildVersion 同 Build，可指定协议版本字节
func BuildVersion(serial uint32, version uint8, body Body) ([]byte, error) {
	payload, err := Encode(&Message{DeviceSerial: serial, ProtocolVersion: version, Body: body})
	if err != nil {
		return nil, err
	}
	return qtp.Wrap(payload)
}

// BuildRegistrationResponse 注册应答帧
func BuildRegistrationResponse(serial uint32, accepted bool) ([]byte, error) {
	r := RegistrationRejected
	if accepted {
		r = RegistrationAccepted
	}
	return Build(serial, RegistrationResponse{Result: r})
}

// NewTimeSync now 的 Unix 秒与所在时区偏移（分钟）
func NewTimeSync(now time.Time) TimeSync {
	_, offset := now.Zone()
	return TimeSync{
		Timestamp:        uint32(now.Unix()),
		UTCOffsetMinutes: int16(offset / 60),
	}
}

// BuildTimeSync 以给定时间构造时间同步帧
func BuildTimeSync(serial uint32, now time.Time) ([]byte, error) {
	return Build(serial, NewTimeSync(now))
}

// BuildConnectionEstablished 保活帧
func BuildConnectionEstablished(serial uint32) ([]byte, error) {
	return Build(serial, ConnectionEstablished{})
}

// BuildAcknowledgement 对 following 类型消息的应答帧，子帧序列号与头部一致
func BuildAcknowledgement(serial uint32, following MessageType) ([]byte, error) {
	return Build(serial, Acknowledgement{
		FollowingType:   following,
		DeviceSerial:    serial,
		ProtocolVersion: ProtocolV145,
	})
}

// BuildDeviceUpdate 上报周期设置帧
func BuildDeviceUpdate(serial uint32, period uint16, tag uint16) ([]byte, error) {
	return Build(serial, DeviceUpdate{UpdatePeriod: period, Tag: tag})
}

// BuildLogDownloadRequest 日志下载请求帧
func BuildLogDownloadRequest(serial uint32, ts time.Time, startID, endID uint32, tag uint16) ([]byte, error) {
	return Build(serial, LogDownloadRequest{
		Timestamp: uint32(ts.Unix()),
		StartID:   startID,
		EndID:     endID,
		Tag:       tag,
	})
}

// ReplaceSerialAndWrap 解析一帧录制数据，把设备序列号替换为 serial 后重新编码包装。
// 用于回放录制帧：应答子帧内的序列号同步替换；
// Unhandled 消息按常规头部布局替换前4字节（不足4字节则原样返回）。
func ReplaceSerialAndWrap(raw []byte, serial uint32) ([]byte, error) {
	fr, err := qtp.Parse(raw)
	if err != nil {
		return nil, err
	}
	m, err := Decode(fr.Payload)
	if err != nil {
		return nil, err
	}
	switch b := m.Body.(type) {
	case Unhandled:
		if len(b.Raw) >= 4 {
			dup := append([]byte(nil), b.Raw...)
			dup[0], dup[1], dup[2], dup[3] = byte(serial), byte(serial>>8), byte(serial>>16), byte(serial>>24)
			m.Body = Unhandled{Type: b.Type, Raw: dup}
		}
	case Acknowledgement:
		b.DeviceSerial = serial
		m.Body = b
		m.DeviceSerial = serial
	default:
		m.DeviceSerial = serial
	}
	payload, err := Encode(m)
	if err != nil {
		return nil, fmt.Errorf("replace serial: %w", err)
	}
	return qtp.Wrap(payload)
}
