package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix 环境变量前缀，例如 DDRFLOW_RATE_LIMIT_RPM
const DefaultEnvPrefix = "DDRFLOW"

// Loader 按 默认值 → YAML 文件 → 环境变量 的顺序叠加配置
type Loader struct {
	path       string
	prefix     string
	lookup     func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建加载器
func NewLoader() *Loader {
	return &Loader{prefix: DefaultEnvPrefix, lookup: os.LookupEnv}
}

// WithConfigPath 指定 YAML 文件，文件必须存在
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnvPrefix 替换环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.prefix = prefix
	return l
}

// WithEnvLookup 替换环境变量来源
func (l *Loader) WithEnvLookup(fn func(string) (string, bool)) *Loader {
	l.lookup = fn
	return l
}

// WithValidator 追加校验，按添加顺序执行
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 产出最终配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.path != "" {
		raw, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config file %s: %w", l.path, err)
		}
	}

	if err := l.overlayEnv(reflect.ValueOf(cfg).Elem(), l.prefix); err != nil {
		return nil, err
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

var timeType = reflect.TypeOf(time.Time{})

// overlayEnv 遍历带 env tag 的字段。嵌套结构体的键为 PREFIX_SECTION_FIELD。
// 叶子字段的值包装成 YAML 节点再解码，类型转换规则与配置文件一致
// （时长写作 "3s"，列表写作逗号分隔）。
func (l *Loader) overlayEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, ok := t.Field(i).Tag.Lookup("env")
		if !ok || name == "" || name == "-" {
			continue
		}
		key := prefix + "_" + name
		field := v.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != timeType {
			if err := l.overlayEnv(field, key); err != nil {
				return err
			}
			continue
		}

		raw, ok := l.lookup(key)
		if !ok || raw == "" {
			continue
		}
		if err := envNode(field.Kind(), raw).Decode(field.Addr().Interface()); err != nil {
			return fmt.Errorf("env %s=%q: %w", key, raw, err)
		}
	}
	return nil
}

func envNode(kind reflect.Kind, raw string) *yaml.Node {
	switch kind {
	case reflect.Slice:
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part})
			}
		}
		return seq
	case reflect.String:
		// 纯数字的密钥也按字符串处理
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: raw}
	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Value: raw}
	}
}

// Load 读取 path（可为空）并执行 Validate
func Load(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
}
