// Package loader 读取并热加载策略注册文件 strategies.yaml。
package loader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/1NF3RM0/MyBot/internal/logger"
	"github.com/1NF3RM0/MyBot/internal/strategy"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileConfig 映射 strategies.yaml。
type FileConfig struct {
	Strategies []strategy.Definition `yaml:"strategies"`
}

// Snapshot 是一次成功加载的策略定义集合。
type Snapshot struct {
	Version     int64
	LoadedAt    time.Time
	Definitions []strategy.Definition
}

// ChangeListener 在 registry 重载成功后触发。
type ChangeListener func(Snapshot)

// StrategyRegistry 管理策略定义文件；watch 开启时文件变更后自动重载，
// 校验失败的版本会被丢弃并保留上一份快照。
type StrategyRegistry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

var (
	schemaOnce     sync.Once
	compiledSchema map[string]*jsonschema.Schema
	schemaErr      error
)

// NewStrategyRegistry 读取策略文件，watch=true 时监听更新。
func NewStrategyRegistry(path string, watch bool) (*StrategyRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy registry requires path")
	}
	r := &StrategyRegistry{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read strategy config failed: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			logger.Debugf("strategy file event %s %s", evt.Op, evt.Name)
			if err := r.reload(); err != nil {
				logger.Errorf("strategy registry reload failed: %v", err)
				return
			}
			r.notifyListeners()
		})
		v.WatchConfig()
		r.v = v
	}
	return r, nil
}

// Snapshot 返回当前策略定义。
func (r *StrategyRegistry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// OnChange 注册重载回调。
func (r *StrategyRegistry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload 手动触发一次重载。
func (r *StrategyRegistry) Reload() error {
	if err := r.reload(); err != nil {
		return err
	}
	r.notifyListeners()
	return nil
}

func (r *StrategyRegistry) reload() error {
	defs, err := LoadStrategyFile(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:     r.snapshot.Version + 1,
		LoadedAt:    time.Now(),
		Definitions: defs,
	}
	version := r.snapshot.Version
	r.mu.Unlock()
	logger.Infof("Strategy registry loaded %d strategies from %s (v%d)", len(defs), filepath.Base(r.path), version)
	return nil
}

func (r *StrategyRegistry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("strategy registry listener")
			cb(snap)
		}(fn)
	}
}

// LoadStrategyFile 读取并校验策略文件。
func LoadStrategyFile(path string) ([]strategy.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy config failed: %w", err)
	}
	return ParseStrategies(raw)
}

// ParseStrategies 解析 YAML（未知字段报错），按类型 schema 校验 params，并试构造一次策略。
func ParseStrategies(raw []byte) ([]strategy.Definition, error) {
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse strategy config failed: %w", err)
	}
	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("strategy config declares no strategies")
	}
	schemas, err := kindSchemaSet()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(cfg.Strategies))
	out := make([]strategy.Definition, 0, len(cfg.Strategies))
	for i, def := range cfg.Strategies {
		def.ID = strings.TrimSpace(def.ID)
		def.Kind = strings.ToLower(strings.TrimSpace(def.Kind))
		if def.ID == "" {
			def.ID = def.Kind
		}
		if def.ID == "" {
			return nil, fmt.Errorf("strategies[%d]: id and kind are empty", i)
		}
		if _, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("strategies[%d]: duplicate id %s", i, def.ID)
		}
		seen[def.ID] = struct{}{}
		schema, ok := schemas[def.Kind]
		if !ok {
			return nil, fmt.Errorf("strategy %s: unknown kind %q", def.ID, def.Kind)
		}
		params := sanitizeParams(def.Params)
		if err := schema.Validate(params); err != nil {
			return nil, fmt.Errorf("strategy %s: params: %w", def.ID, err)
		}
		if m, ok := params.(map[string]any); ok {
			def.Params = m
		}
		if _, err := strategy.New(def); err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func kindSchemaSet() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema = make(map[string]*jsonschema.Schema, len(kindSchemas))
		for kind, raw := range kindSchemas {
			compiled, err := compileSchema(kind, raw)
			if err != nil {
				schemaErr = fmt.Errorf("compile schema %s: %w", kind, err)
				return
			}
			compiledSchema[kind] = compiled
		}
	})
	return compiledSchema, schemaErr
}

func compileSchema(kind, raw string) (*jsonschema.Schema, error) {
	name := kind + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := src
	dst.Definitions = make([]strategy.Definition, len(src.Definitions))
	for i, def := range src.Definitions {
		cp := def
		if def.Params != nil {
			cp.Params = make(map[string]any, len(def.Params))
			for k, v := range def.Params {
				cp.Params[k] = v
			}
		}
		dst.Definitions[i] = cp
	}
	return dst
}

// sanitizeParams 把 YAML 解码出的值统一成 jsonschema 可识别的类型：
// 整数转 float64，字符串形式的数字转 float64，nil 视为空对象。
func sanitizeParams(v any) any {
	switch val := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeParams(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeParams(child)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		s := strings.TrimSpace(val)
		if num, err := strconv.ParseFloat(s, 64); err == nil && s != "" {
			return num
		}
		return val
	default:
		return val
	}
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}
