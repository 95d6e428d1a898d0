package qdp

import (
	"fmt"

	"github.com/taoyao-code/pump-mediator/internal/protocol/wire"
)

// Message 一条已解码的 QDP 消息。
// Unhandled 消息不解析头部，DeviceSerial/ProtocolVersion 为零值；
// 编码时二者非零视为错误，序列号需写在 Raw 内。
type Message struct {
	DeviceSerial    uint32 `json:"device_serial"`
	ProtocolVersion uint8  `json:"protocol_version"`
	Body            Body   `json:"body"`
}

// Type 消息类型由载荷决定
func (m *Message) Type() MessageType {
	if m == nil || m.Body == nil {
		return 0
	}
	return m.Body.MessageType()
}

// Body 各类型载荷（封闭集合）
type Body interface {
	MessageType() MessageType
	encode(w *wire.Writer)
}

// Version 设备/固件版本三元组
type Version struct {
	Major uint8  `json:"major"`
	Minor uint8  `json:"minor"`
	Build uint16 `json:"build"`
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build) }

// Less 按 major/minor/build 比较
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Build < o.Build
}

// ParseVersion 解析 "1.2.3" 形式的版本
func ParseVersion(s string) (Version, error) {
	var major, minor, build int
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &major, &minor, &build); err != nil {
		return Version{}, fmt.Errorf("parse version %q: %w", s, err)
	}
	if major < 0 || major > 0xFF || minor < 0 || minor > 0xFF || build < 0 || build > 0xFFFF {
		return Version{}, fmt.Errorf("parse version %q: component out of range", s)
	}
	return Version{Major: uint8(major), Minor: uint8(minor), Build: uint16(build)}, nil
}

func (v Version) encode(w *wire.Writer) {
	w.U8(v.Major)
	w.U8(v.Minor)
	w.U16(v.Build)
}

func decodeVersion(r *wire.Reader, field string) (Version, error) {
	var v Version
	var err error
	if v.Major, err = r.U8(field + ".major"); err != nil {
		return v, err
	}
	if v.Minor, err = r.U8(field + ".minor"); err != nil {
		return v, err
	}
	v.Build, err = r.U16(field + ".build")
	return v, err
}

// RegistrationRequest 泵上线注册
type RegistrationRequest struct {
	DeviceVersion   Version `json:"device_version"`
	FirmwareVersion Version `json:"firmware_version"`
	Model           string  `json:"model"`
	Channels        uint8   `json:"channels"`
}

func (RegistrationRequest) MessageType() MessageType { return TypeRegistrationRequest }

func (b RegistrationRequest) encode(w *wire.Writer) {
	b.DeviceVersion.encode(w)
	b.FirmwareVersion.encode(w)
	w.String("model", b.Model)
	w.U8(b.Channels)
}

// RegistrationResponse 注册应答：1 接受，0 拒绝
type RegistrationResponse struct {
	Result uint8 `json:"registration_response"`
}

const (
	RegistrationRejected uint8 = 0
	RegistrationAccepted uint8 = 1
)

func (RegistrationResponse) MessageType() MessageType { return TypeRegistrationResponse }

func (b RegistrationResponse) encode(w *wire.Writer) { w.U8(b.Result) }

// Accepted 是否接受
func (b RegistrationResponse) Accepted() bool { return b.Result == RegistrationAccepted }

// TimeSync 时间同步（unix 秒 + 时区偏移分钟）
type TimeSync struct {
	Timestamp        uint32 `json:"timestamp"`
	UTCOffsetMinutes int16  `json:"utc_offset_minutes"`
}

func (TimeSync) MessageType() MessageType { return TypeTimeSync }

func (b TimeSync) encode(w *wire.Writer) {
	w.U32(b.Timestamp)
	w.I16(b.UTCOffsetMinutes)
}

// ConnectionEstablished 保活，无载荷
type ConnectionEstablished struct{}

func (ConnectionEstablished) MessageType() MessageType { return TypeConnectionEstablished }

func (ConnectionEstablished) encode(*wire.Writer) {}

// ClinicalStatusUpdate 通道运行状态上报。字段只做解码与转发，不做临床解释。
type ClinicalStatusUpdate struct {
	Sequence        uint32 `json:"sequence"`
	Timestamp       uint32 `json:"timestamp"`
	Channel         uint8  `json:"channel"`
	State           uint8  `json:"state"`
	AlarmCode       uint16 `json:"alarm_code"`
	Drug            string `json:"drug"`
	Rate            uint32 `json:"rate"`             // 0.01 mL/h
	VolumeInfused   uint32 `json:"volume_infused"`   // 0.01 mL
	VolumeRemaining uint32 `json:"volume_remaining"` // 0.01 mL
}

func (ClinicalStatusUpdate) MessageType() MessageType { return TypeClinicalStatusUpdate }

func (b ClinicalStatusUpdate) encode(w *wire.Writer) {
	w.U32(b.Sequence)
	w.U32(b.Timestamp)
	w.U8(b.Channel)
	w.U8(b.State)
	w.U16(b.AlarmCode)
	w.String("drug", b.Drug)
	w.U32(b.Rate)
	w.U32(b.VolumeInfused)
	w.U32(b.VolumeRemaining)
}

// FileDeploymentInquiry 文件部署询问；PayloadLength 为声明的部署总长度，
// 与外层帧长度相互独立，Chunk 可为空（仅询问）或携带数据。
type FileDeploymentInquiry struct {
	FileType      uint8  `json:"file_type"`
	FileID        uint32 `json:"file_id"`
	PayloadLength uint32 `json:"payload_length"`
	Name          string `json:"name"`
	Chunk         []byte `json:"chunk,omitempty"`
}

func (FileDeploymentInquiry) MessageType() MessageType { return TypeFileDeploymentInquiry }

func (b FileDeploymentInquiry) encode(w *wire.Writer) {
	w.U8(b.FileType)
	w.U32(b.FileID)
	w.U32(b.PayloadLength)
	w.String("name", b.Name)
	w.Raw(b.Chunk)
}

// Acknowledgement 带校验的子帧：followingType | serial[4] | version | sum8
// 校验和在编码时重算、解码时校验。
type Acknowledgement struct {
	FollowingType   MessageType `json:"following_message_type"`
	DeviceSerial    uint32      `json:"device_serial"`
	ProtocolVersion uint8       `json:"protocol_version"`
}

// ackHeaderLen 子帧中参与校验的字节数
const ackHeaderLen = 6

func (Acknowledgement) MessageType() MessageType { return TypeAcknowledgement }

func (b Acknowledgement) header() []byte {
	w := wire.NewWriter(ackHeaderLen)
	w.U8(uint8(b.FollowingType))
	w.U32(b.DeviceSerial)
	w.U8(b.ProtocolVersion)
	out, _ := w.Bytes()
	return out
}

func (b Acknowledgement) encode(w *wire.Writer) {
	h := b.header()
	w.Raw(h)
	w.U8(wire.Sum8(h))
}

// DeviceUpdate 下发上报周期设置
type DeviceUpdate struct {
	UpdatePeriod uint16 `json:"update_period"` // 秒
	Tag          uint16 `json:"tag"`
}

func (DeviceUpdate) MessageType() MessageType { return TypeDeviceUpdate }

func (b DeviceUpdate) encode(w *wire.Writer) {
	w.U16(b.UpdatePeriod)
	w.U16(b.Tag)
}

// LogDownloadRequest 请求泵上传指定区间的事件日志
type LogDownloadRequest struct {
	Timestamp uint32 `json:"timestamp"`
	StartID   uint32 `json:"start_id"`
	EndID     uint32 `json:"end_id"`
	Tag       uint16 `json:"tag"`
}

func (LogDownloadRequest) MessageType() MessageType { return TypeLogDownloadRequest }

func (b LogDownloadRequest) encode(w *wire.Writer) {
	w.U32(b.Timestamp)
	w.U32(b.StartID)
	w.U32(b.EndID)
	w.U16(b.Tag)
}

// Unhandled 未实现的消息类型：判别字节之后的全部字节原样保留
type Unhandled struct {
	Type MessageType `json:"type"`
	Raw  []byte      `json:"raw,omitempty"`
}

func (b Unhandled) MessageType() MessageType { return b.Type }

func (b Unhandled) encode(w *wire.Writer) { w.Raw(b.Raw) }

// Serial 按常规头部布局尽力提取设备序列号
func (b Unhandled) Serial() (uint32, bool) {
	if len(b.Raw) < 4 {
		return 0, false
	}
	return uint32(b.Raw[0]) | uint32(b.Raw[1])<<8 | uint32(b.Raw[2])<<16 | uint32(b.Raw[3])<<24, true
}
