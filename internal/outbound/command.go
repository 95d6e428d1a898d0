// Package outbound 把运维侧下行命令（NATS 或 HTTP）转换为 QDP 消息并推送到泵连接。
package outbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
)

var (
	ErrUnknownCommand = errors.New("unknown command type")
	ErrInvalidParams  = errors.New("invalid command params")
	ErrPumpOffline    = errors.New("pump not connected to this instance")
	ErrPoolClosed     = errors.New("downlink pool closed")
)

// CommandType 下行命令类型
type CommandType string

const (
	CmdDeviceUpdate CommandType = "device_update"
	CmdLogDownload  CommandType = "log_download"
	CmdTimeSync     CommandType = "time_sync"
	CmdKeepAlive    CommandType = "connection_established"
)

// Command 下行命令（NATS 消息体 / HTTP 请求转换结果）
type Command struct {
	ID     string          `json:"id,omitempty"`
	Serial uint32          `json:"serial"`
	Type   CommandType     `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// DeviceUpdateParams 上报周期设置
type DeviceUpdateParams struct {
	UpdatePeriod uint16 `json:"update_period" binding:"required,min=1"`
	Tag          uint16 `json:"tag"`
}

// LogDownloadParams 日志区间；Timestamp 为 0 时取当前时间
type LogDownloadParams struct {
	Timestamp uint32 `json:"timestamp"`
	StartID   uint32 `json:"start_id"`
	EndID     uint32 `json:"end_id" binding:"gtefield=StartID"`
	Tag       uint16 `json:"tag"`
}

// NewCommand 由参数结构体构造命令
func NewCommand(serial uint32, typ CommandType, params any) (Command, error) {
	cmd := Command{Serial: serial, Type: typ}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return cmd, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		cmd.Params = raw
	}
	return cmd, nil
}

// Body 把命令转换为 QDP 消息载荷
func (c Command) Body(now time.Time) (qdp.Body, error) {
	switch c.Type {
	case CmdDeviceUpdate:
		var p DeviceUpdateParams
		if err := c.decode(&p); err != nil {
			return nil, err
		}
		if p.UpdatePeriod == 0 {
			return nil, fmt.Errorf("%w: update_period must be positive", ErrInvalidParams)
		}
		return qdp.DeviceUpdate{UpdatePeriod: p.UpdatePeriod, Tag: p.Tag}, nil

	case CmdLogDownload:
		var p LogDownloadParams
		if err := c.decode(&p); err != nil {
			return nil, err
		}
		if p.EndID < p.StartID {
			return nil, fmt.Errorf("%w: end_id %d < start_id %d", ErrInvalidParams, p.EndID, p.StartID)
		}
		ts := p.Timestamp
		if ts == 0 {
			ts = uint32(now.Unix())
		}
		return qdp.LogDownloadRequest{Timestamp: ts, StartID: p.StartID, EndID: p.EndID, Tag: p.Tag}, nil

	case CmdTimeSync:
		return qdp.NewTimeSync(now), nil

	case CmdKeepAlive:
		return qdp.ConnectionEstablished{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, c.Type)
}

func (c Command) decode(v any) error {
	if len(c.Params) == 0 {
		return fmt.Errorf("%w: params required for %s", ErrInvalidParams, c.Type)
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// Result 命令执行结果（NATS request 的应答体）
type Result struct {
	ID     string `json:"id,omitempty"`
	Serial uint32 `json:"serial"`
	Type   string `json:"type"`
	Status string `json:"status"` // sent|offline|invalid|error
	Error  string `json:"error,omitempty"`
}

func resultOf(cmd Command, err error) Result {
	r := Result{ID: cmd.ID, Serial: cmd.Serial, Type: string(cmd.Type), Status: statusOf(err)}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, ErrPumpOffline):
		return "offline"
	case errors.Is(err, ErrInvalidParams), errors.Is(err, ErrUnknownCommand):
		return "invalid"
	default:
		return "error"
	}
}
