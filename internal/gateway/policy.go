package gateway

import (
	"errors"
	"fmt"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
)

var (
	ErrSerialNotAllowed = errors.New("serial not in allow list")
	ErrFirmwareTooOld   = errors.New("firmware version below minimum")
)

// RegistrationPolicy 注册准入判断，返回 nil 表示接受
type RegistrationPolicy interface {
	Accept(serial uint32, req qdp.RegistrationRequest) error
}

// AcceptAll 接受所有注册
type AcceptAll struct{}

func (AcceptAll) Accept(uint32, qdp.RegistrationRequest) error { return nil }

// StaticPolicy 序列号白名单 + 最低固件版本
type StaticPolicy struct {
	allow       map[uint32]struct{}
	minFirmware *qdp.Version
}

// NewPolicy 由配置构造准入策略；未配置任何限制时返回 AcceptAll
func NewPolicy(cfg cfgpkg.RegistrationConfig) (RegistrationPolicy, error) {
	if len(cfg.AllowSerials) == 0 && cfg.MinFirmware == "" {
		return AcceptAll{}, nil
	}
	p := &StaticPolicy{}
	if len(cfg.AllowSerials) > 0 {
		p.allow = make(map[uint32]struct{}, len(cfg.AllowSerials))
		for _, s := range cfg.AllowSerials {
			p.allow[s] = struct{}{}
		}
	}
	if cfg.MinFirmware != "" {
		v, err := qdp.ParseVersion(cfg.MinFirmware)
		if err != nil {
			return nil, fmt.Errorf("registration.minFirmware: %w", err)
		}
		p.minFirmware = &v
	}
	return p, nil
}

func (p *StaticPolicy) Accept(serial uint32, req qdp.RegistrationRequest) error {
	if p.allow != nil {
		if _, ok := p.allow[serial]; !ok {
			return fmt.Errorf("%w: %d", ErrSerialNotAllowed, serial)
		}
	}
	if p.minFirmware != nil && req.FirmwareVersion.Less(*p.minFirmware) {
		return fmt.Errorf("%w: %s < %s", ErrFirmwareTooOld, req.FirmwareVersion, p.minFirmware)
	}
	return nil
}
