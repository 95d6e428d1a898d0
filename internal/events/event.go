// Package events 把泵上行的已解码消息发布到消息总线。
//
// 发布失败只影响事件本身：计数并熔断，从不影响泵连接。
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
)

// Event 一条上行事件（JSON 编码后发布）
type Event struct {
	ID              string    `json:"id"`
	Serial          uint32    `json:"serial"`
	ConnID          uint64    `json:"conn_id"`
	RemoteAddr      string    `json:"remote_addr,omitempty"`
	Type            string    `json:"type"`
	TypeCode        uint8     `json:"type_code"`
	ProtocolVersion uint8     `json:"protocol_version"`
	ReceivedAt      time.Time `json:"received_at"`
	Body            qdp.Body  `json:"body"`
}

// NewEvent 由已解码消息构造事件；serial 取连接上注册的序列号
func NewEvent(serial uint32, connID uint64, remote string, msg *qdp.Message, at time.Time) *Event {
	t := msg.Type()
	return &Event{
		ID:              uuid.NewString(),
		Serial:          serial,
		ConnID:          connID,
		RemoteAddr:      remote,
		Type:            t.String(),
		TypeCode:        uint8(t),
		ProtocolVersion: msg.ProtocolVersion,
		ReceivedAt:      at.UTC(),
		Body:            msg.Body,
	}
}

// Publisher 上行事件发布者
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// Nop 不发布任何事件（未启用总线时使用）
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }
