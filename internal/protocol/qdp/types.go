// Package qdp 实现 QTP 帧载荷内的应用层消息（QDP）：头部、各类型载荷的编解码与构造器。
//
// 头部布局（小端）：
//
//	msgType[1] | deviceSerial[4] | startMark(0x9C) | protocolVersion[1] | variant...
package qdp

import (
	"errors"
	"fmt"
)

const (
	StartMark byte = 0x9C

	// ProtocolV145 协议 1.45，唯一被校验为"支持"的版本
	ProtocolV145 byte = 0x91

	HeaderLen = 7
)

var (
	ErrStartMark          = errors.New("bad start mark")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrChecksum           = errors.New("checksum mismatch")
	ErrTypeMismatch       = errors.New("body does not match message type")
)

// MessageType QDP 消息类型判别字节
type MessageType uint8

const (
	TypeRegistrationRequest   MessageType = 0x01
	TypeRegistrationResponse  MessageType = 0x02
	TypeTimeSync              MessageType = 0x03
	TypeConnectionEstablished MessageType = 0x04
	TypeClinicalStatusUpdate  MessageType = 0x05
	TypeFileDeploymentInquiry MessageType = 0x06
	TypeAcknowledgement       MessageType = 0x07
	TypeDeviceUpdate          MessageType = 0x08
	TypeLogDownloadRequest    MessageType = 0x09
)

// typeNames 已知类型表；不在表内的判别字节按 unhandled 处理
var typeNames = map[MessageType]string{
	TypeRegistrationRequest:   "registration_request",
	TypeRegistrationResponse:  "registration_response",
	TypeTimeSync:              "time_sync",
	TypeConnectionEstablished: "connection_established",
	TypeClinicalStatusUpdate:  "clinical_status_update",
	TypeFileDeploymentInquiry: "file_deployment_inquiry",
	TypeAcknowledgement:       "acknowledgement",
	TypeDeviceUpdate:          "device_update",
	TypeLogDownloadRequest:    "log_download_request",
}

// Known 是否为已实现的消息类型
func (t MessageType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

func (t MessageType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unhandled_0x%02x", uint8(t))
}

// KnownTypes 返回全部已知类型（按判别字节升序）
func KnownTypes() []MessageType {
	out := make([]MessageType, 0, len(typeNames))
	for t := TypeRegistrationRequest; t <= TypeLogDownloadRequest; t++ {
		out = append(out, t)
	}
	return out
}
