package qdp

import (
	"github.com/taoyao-code/pump-mediator/internal/protocol/wire"
)

const layer = "qdp"

// Decode 把一帧载荷解析为 QDP 消息。纯函数，无副作用。
//
// 未知判别字节不报错，返回 Unhandled 原样保留后续字节，以兼容新固件。
// 已知类型严格解码：截断、多余字节、start mark 不符、注册请求版本不支持、
// 应答子帧校验和不符均返回 *wire.ProtocolError。
func Decode(payload []byte) (*Message, error) {
	r := wire.NewReader(layer, payload)
	b, err := r.U8("message_type")
	if err != nil {
		return nil, err
	}
	t := MessageType(b)
	if !t.Known() {
		return &Message{Body: Unhandled{Type: t, Raw: r.Rest()}}, nil
	}

	m := &Message{}
	if m.DeviceSerial, err = r.U32("device_serial"); err != nil {
		return nil, err
	}
	mark, err := r.U8("start_mark")
	if err != nil {
		return nil, err
	}
	if mark != StartMark {
		return nil, r.Fail("start_mark", []byte{mark}, ErrStartMark)
	}
	if m.ProtocolVersion, err = r.U8("protocol_version"); err != nil {
		return nil, err
	}

	switch t {
	case TypeRegistrationRequest:
		// 版本仅在注册握手时校验
		if m.ProtocolVersion != ProtocolV145 {
			return nil, wire.NewProtocolError(layer, "protocol_version", HeaderLen-1, []byte{m.ProtocolVersion}, ErrUnsupportedVersion)
		}
		m.Body, err = decodeRegistrationRequest(r)
	case TypeRegistrationResponse:
		var body RegistrationResponse
		body.Result, err = r.U8("registration_response")
		m.Body = body
	case TypeTimeSync:
		m.Body, err = decodeTimeSync(r)
	case TypeConnectionEstablished:
		m.Body = ConnectionEstablished{}
	case TypeClinicalStatusUpdate:
		m.Body, err = decodeClinicalStatus(r)
	case TypeFileDeploymentInquiry:
		m.Body, err = decodeFileDeployment(r)
	case TypeAcknowledgement:
		m.Body, err = decodeAcknowledgement(r)
	case TypeDeviceUpdate:
		m.Body, err = decodeDeviceUpdate(r)
	case TypeLogDownloadRequest:
		m.Body, err = decodeLogDownload(r)
	}
	if err != nil {
		return nil, err
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeRegistrationRequest(r *wire.Reader) (Body, error) {
	var b RegistrationRequest
	var err error
	if b.DeviceVersion, err = decodeVersion(r, "device_version"); err != nil {
		return nil, err
	}
	if b.FirmwareVersion, err = decodeVersion(r, "firmware_version"); err != nil {
		return nil, err
	}
	if b.Model, err = r.String("model"); err != nil {
		return nil, err
	}
	if b.Channels, err = r.U8("channels"); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeTimeSync(r *wire.Reader) (Body, error) {
	var b TimeSync
	var err error
	if b.Timestamp, err = r.U32("timestamp"); err != nil {
		return nil, err
	}
	if b.UTCOffsetMinutes, err = r.I16("utc_offset_minutes"); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeClinicalStatus(r *wire.Reader) (Body, error) {
	var b ClinicalStatusUpdate
	var err error
	if b.Sequence, err = r.U32("sequence"); err != nil {
		return nil, err
	}
	if b.Timestamp, err = r.U32("timestamp"); err != nil {
		return nil, err
	}
	if b.Channel, err = r.U8("channel"); err != nil {
		return nil, err
	}
	if b.State, err = r.U8("state"); err != nil {
		return nil, err
	}
	if b.AlarmCode, err = r.U16("alarm_code"); err != nil {
		return nil, err
	}
	if b.Drug, err = r.String("drug"); err != nil {
		return nil, err
	}
	if b.Rate, err = r.U32("rate"); err != nil {
		return nil, err
	}
	if b.VolumeInfused, err = r.U32("volume_infused"); err != nil {
		return nil, err
	}
	if b.VolumeRemaining, err = r.U32("volume_remaining"); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeFileDeployment(r *wire.Reader) (Body, error) {
	var b FileDeploymentInquiry
	var err error
	if b.FileType, err = r.U8("file_type"); err != nil {
		return nil, err
	}
	if b.FileID, err = r.U32("file_id"); err != nil {
		return nil, err
	}
	if b.PayloadLength, err = r.U32("payload_length"); err != nil {
		return nil, err
	}
	if b.Name, err = r.String("name"); err != nil {
		return nil, err
	}
	b.Chunk = r.Rest()
	return b, nil
}

func decodeAcknowledgement(r *wire.Reader) (Body, error) {
	h, err := r.Bytes("ack_header", ackHeaderLen)
	if err != nil {
		return nil, err
	}
	sum, err := r.U8("ack_checksum")
	if err != nil {
		return nil, err
	}
	if want := wire.Sum8(h); sum != want {
		return nil, r.Fail("ack_checksum", append(h, sum), ErrChecksum)
	}
	sub := wire.NewReader(layer, h)
	ft, _ := sub.U8("following_message_type")
	serial, _ := sub.U32("ack_device_serial")
	ver, _ := sub.U8("ack_protocol_version")
	return Acknowledgement{FollowingType: MessageType(ft), DeviceSerial: serial, ProtocolVersion: ver}, nil
}

func decodeDeviceUpdate(r *wire.Reader) (Body, error) {
	var b DeviceUpdate
	var err error
	if b.UpdatePeriod, err = r.U16("update_period"); err != nil {
		return nil, err
	}
	if b.Tag, err = r.U16("tag"); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeLogDownload(r *wire.Reader) (Body, error) {
	var b LogDownloadRequest
	var err error
	if b.Timestamp, err = r.U32("timestamp"); err != nil {
		return nil, err
	}
	if b.StartID, err = r.U32("start_id"); err != nil {
		return nil, err
	}
	if b.EndID, err = r.U32("end_id"); err != nil {
		return nil, err
	}
	if b.Tag, err = r.U16("tag"); err != nil {
		return nil, err
	}
	return b, nil
}
