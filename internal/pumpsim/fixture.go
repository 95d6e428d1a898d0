package pumpsim

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
)

// Fixture 录制帧序列
type Fixture struct {
	Name   string         `yaml:"name"`
	Frames []FixtureFrame `yaml:"frames"`
}

// FixtureFrame 一帧录制数据；Hex 允许空白分隔
type FixtureFrame struct {
	Name   string        `yaml:"name"`
	Hex    string        `yaml:"hex"`
	Delay  time.Duration `yaml:"delay"`
	Expect string        `yaml:"expect"`
}

// Bytes 解析十六进制内容
func (f FixtureFrame) Bytes() ([]byte, error) {
	s := strings.Join(strings.Fields(f.Hex), "")
	return hex.DecodeString(s)
}

// ExpectType 期望应答的消息类型（按类型名匹配）
func (f FixtureFrame) ExpectType() (qdp.MessageType, error) {
	for _, t := range qdp.KnownTypes() {
		if t.String() == f.Expect {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown expect type %q", f.Expect)
}

// ParseFixture 解析 YAML 夹具并校验每帧十六进制
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	for i, fr := range f.Frames {
		if _, err := fr.Bytes(); err != nil {
			return nil, fmt.Errorf("fixture frame %d (%s): %w", i, fr.Name, err)
		}
		if fr.Expect != "" {
			if _, err := fr.ExpectType(); err != nil {
				return nil, fmt.Errorf("fixture frame %d (%s): %w", i, fr.Name, err)
			}
		}
	}
	return &f, nil
}

// LoadFixture 从文件加载夹具
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFixture(data)
}
