package gateway

import (
	"github.com/taoyao-code/pump-mediator/internal/tcpserver"
)

// NewConnHandler 为每个接入的 TCP 连接创建 PumpConnection
func NewConnHandler(deps *Deps) tcpserver.ConnHandler {
	d := deps.withDefaults()
	return func(cc *tcpserver.ConnContext) tcpserver.StreamHandler {
		return NewPumpConnection(cc, d)
	}
}
