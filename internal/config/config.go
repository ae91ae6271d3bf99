// Package config 读取和保存 refmap.toml
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tangzhangming/refmap/internal/refmap"
)

// 常量定义
const (
	ConfigFileName = "refmap.toml" // 配置文件名
)

// Config 全部配置
type Config struct {
	Build BuildConfig `toml:"build"`
	Scan  ScanConfig  `toml:"scan"`
	Log   LogConfig   `toml:"log"`
}

// BuildConfig 打包选项
type BuildConfig struct {
	// Verify 写入尾部保护字节并校验布局
	Verify bool `toml:"verify"`

	// Seal 使用映射内存并在填充后设为只读
	Seal bool `toml:"seal"`
}

// ScanConfig 根扫描选项
type ScanConfig struct {
	// Explode 首次使用时物化 Map
	Explode bool `toml:"explode"`

	// FastPath 允许生成快速路径桩
	FastPath bool `toml:"fast_path"`

	// TraceDerived 记录派生指针的登记和修正
	TraceDerived bool `toml:"trace_derived"`
}

// LogConfig 日志选项
type LogConfig struct {
	// Level 日志级别: debug / info / warn / error
	Level string `toml:"level"`

	// Development 开发模式（可读格式，warn 以上带堆栈）
	Development bool `toml:"development"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Build: BuildConfig{Verify: true},
		Scan:  ScanConfig{Explode: true, FastPath: true},
		Log:   LogConfig{Level: "info"},
	}
}

// LoadConfig 从文件加载配置，文件中未出现的项保持默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if _, err := config.level(); err != nil {
		return nil, err
	}

	return config, nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	content := generateConfigWithComments(c)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateConfigWithComments 生成带注释的配置文件内容
func generateConfigWithComments(c *Config) string {
	var sb strings.Builder

	sb.WriteString("[build]\n")
	sb.WriteString("# 写入保护字节并校验打包结果\n")
	sb.WriteString(fmt.Sprintf("verify = %t\n", c.Build.Verify))
	sb.WriteString("# 打包后把 blob 设为只读\n")
	sb.WriteString(fmt.Sprintf("seal = %t\n\n", c.Build.Seal))

	sb.WriteString("[scan]\n")
	sb.WriteString("# 首次扫描时物化 Map\n")
	sb.WriteString(fmt.Sprintf("explode = %t\n", c.Scan.Explode))
	sb.WriteString("# 生成快速路径桩\n")
	sb.WriteString(fmt.Sprintf("fast_path = %t\n", c.Scan.FastPath))
	sb.WriteString("# 记录派生指针\n")
	sb.WriteString(fmt.Sprintf("trace_derived = %t\n\n", c.Scan.TraceDerived))

	sb.WriteString("[log]\n")
	sb.WriteString("# debug / info / warn / error\n")
	sb.WriteString(fmt.Sprintf("level = %q\n", c.Log.Level))
	sb.WriteString(fmt.Sprintf("development = %t\n", c.Log.Development))

	return sb.String()
}

func (c *Config) level() (zapcore.Level, error) {
	if c.Log.Level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return lvl, nil
}

// Logger 按日志配置创建 zap.Logger
func (c *Config) Logger() (*zap.Logger, error) {
	lvl, err := c.level()
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}

	return zc.Build()
}

// BuildOptions 转换为打包选项
func (c *Config) BuildOptions(log *zap.Logger) refmap.BuildOptions {
	return refmap.BuildOptions{
		Verify: c.Build.Verify,
		Seal:   c.Build.Seal,
		Logger: log,
	}
}
