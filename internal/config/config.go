/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config provides configuration management for nimctl.
// config 包提供 nimctl 的配置管理功能。
//
// Configuration loading priority (highest to lowest):
// 配置加载优先级（从高到低）：
// 1. Command line arguments / 命令行参数
// 2. Environment variables (NIMCTL_*) / 环境变量（NIMCTL_*）
// 3. Configuration file / 配置文件
// 4. Default values / 默认值
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Service names used as unique keys and as the naming convention root.
// 服务名称，作为唯一键以及命名约定的根。
const (
	ServiceLLM     = "llm"
	ServiceTrellis = "trellis"
)

// ServiceKind selects the readiness payload validation for a service
// ServiceKind 选择服务就绪负载的校验方式
type ServiceKind string

const (
	// KindLLM is the chat/LLM inference service / KindLLM 是 LLM 推理服务
	KindLLM ServiceKind = "llm"

	// KindGeneration is the 3D asset generation service / KindGeneration 是 3D 资产生成服务
	KindGeneration ServiceKind = "generation"
)

// Runtime kinds / 运行时类型
const (
	RuntimeContainer = "container"
	RuntimeExec      = "exec"
)

// Failure policies for the orchestrator poll loop / 编排器轮询循环的失败策略
const (
	FailurePolicyContinue = "continue"
	FailurePolicyAbortAll = "abort-all"
)

// Default configuration values
// 默认配置值
const (
	DefaultLLMContainerName      = "CHAT_TO_3D"
	DefaultTrellisContainerName  = "TRELLIS_NIM"
	DefaultLLMHealthURL          = "http://localhost:19002/v1/health/ready"
	DefaultTrellisHealthURL      = "http://localhost:8000/v1/health/ready"
	DefaultLLMStartupTimeout     = 30 * time.Minute
	DefaultTrellisStartupTimeout = 45 * time.Minute
	DefaultStopGrace             = 15 * time.Second
	DefaultPollInterval          = 30 * time.Second
	DefaultMaxAttempts           = 120 // 120 x 30s = 1h
	DefaultStaggerDelay          = 10 * time.Second
	DefaultProbeTimeout          = 5 * time.Second
	DefaultEngine                = "podman"
	DefaultWSLDistro             = "NVIDIA-Workbench"
	DefaultSweepGrace            = 5 * time.Second
	DefaultLogLevel              = "info"
	DefaultLogMaxSize            = 100 // MB
	DefaultLogMaxBackups         = 3
	DefaultLogMaxAge             = 7 // days
	DefaultServerAddr            = "127.0.0.1:8765"
	DefaultTelemetryEndpoint     = "localhost:4317"
	DefaultMinFreeGB             = 16.0
	DefaultDatabaseType          = "sqlite"
)

// ServiceSpec is the immutable description of one managed service
// ServiceSpec 是一个托管服务的不可变描述
type ServiceSpec struct {
	// Name is the unique key, also the root of every derived identifier
	// Name 是唯一键，也是所有派生标识符的根
	Name string `mapstructure:"name" yaml:"name"`

	// Kind selects payload validation / Kind 选择负载校验方式
	Kind ServiceKind `mapstructure:"kind" yaml:"kind"`

	// Runtime is "container" or "exec" / Runtime 为 "container" 或 "exec"
	Runtime string `mapstructure:"runtime" yaml:"runtime"`

	// ContainerName is the well-known container name / ContainerName 是约定的容器名
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`

	// Image is the container image reference (container runtime without Command)
	// Image 是容器镜像引用（未设置 Command 时使用）
	Image string `mapstructure:"image" yaml:"image,omitempty"`

	// Command is the launch command; for containers it is a launcher script
	// Command 是启动命令；对容器而言是启动脚本
	Command []string `mapstructure:"command" yaml:"command,omitempty"`

	// RunArgs are extra arguments passed to "<engine> run"
	// RunArgs 是传给 "<engine> run" 的额外参数
	RunArgs []string `mapstructure:"run_args" yaml:"run_args,omitempty"`

	// Ports are published as host:container pairs / Ports 以 host:container 形式发布
	Ports []string `mapstructure:"ports" yaml:"ports,omitempty"`

	// Env is passed to the service (keys are upper-cased on launch)
	// Env 传递给服务（启动时键名转为大写）
	Env map[string]string `mapstructure:"env" yaml:"env,omitempty"`

	// HealthURL is the readiness endpoint / HealthURL 是就绪检查端点
	HealthURL string `mapstructure:"health_url" yaml:"health_url"`

	// StartupTimeout is this service's own readiness budget / StartupTimeout 是该服务的就绪预算
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`

	// StopGrace is the graceful stop window before force-kill / StopGrace 是强杀前的优雅停止窗口
	StopGrace time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`

	// ControlAddr is an optional TCP terminate hook ("host:port")
	// ControlAddr 是可选的 TCP 终止钩子（"host:port"）
	ControlAddr string `mapstructure:"control_addr" yaml:"control_addr,omitempty"`
}

// ServicesConfig holds both service specs / ServicesConfig 保存两个服务的描述
type ServicesConfig struct {
	LLM     ServiceSpec `mapstructure:"llm" yaml:"llm"`
	Trellis ServiceSpec `mapstructure:"trellis" yaml:"trellis"`
}

// Ordered returns the specs in launch order / Ordered 按启动顺序返回服务描述
func (s ServicesConfig) Ordered() []ServiceSpec {
	return []ServiceSpec{s.LLM, s.Trellis}
}

// OrchestratorConfig tunes the start/poll loop / OrchestratorConfig 调整启动与轮询循环
type OrchestratorConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	StaggerDelay  time.Duration `mapstructure:"stagger_delay" yaml:"stagger_delay"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	FailurePolicy string        `mapstructure:"failure_policy" yaml:"failure_policy"`
}

// RuntimeConfig describes how containers and processes are driven
// RuntimeConfig 描述容器与进程的驱动方式
type RuntimeConfig struct {
	// Engine is the container CLI, podman or docker / Engine 是容器命令行，podman 或 docker
	Engine string `mapstructure:"engine" yaml:"engine"`

	// WSLDistro wraps every engine call in "wsl -d <distro>" when set
	// WSLDistro 设置后所有引擎调用都包装在 "wsl -d <distro>" 中
	WSLDistro string `mapstructure:"wsl_distro" yaml:"wsl_distro"`

	// StateDir holds pid files / StateDir 存放 pid 文件
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`

	// LogDir holds per-service log sinks / LogDir 存放每个服务的日志
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`

	// APIKey is exported as NGC_API_KEY / APIKey 以 NGC_API_KEY 导出
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`

	// APIKeyCommand prints a key when APIKey is empty / APIKey 为空时用于输出密钥的命令
	APIKeyCommand []string `mapstructure:"api_key_command" yaml:"api_key_command,omitempty"`
}

// TerminatorConfig controls the leftover-process sweep / TerminatorConfig 控制残留进程清扫
type TerminatorConfig struct {
	SweepPatterns []string      `mapstructure:"sweep_patterns" yaml:"sweep_patterns"`
	SweepGrace    time.Duration `mapstructure:"sweep_grace" yaml:"sweep_grace"`
}

// LogConfig represents logging configuration
// LogConfig 表示日志配置
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Console    bool   `mapstructure:"console" yaml:"console"`
}

// DatabaseConfig configures the lifecycle journal / DatabaseConfig 配置生命周期日志库
type DatabaseConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Type            string `mapstructure:"type" yaml:"type"` // sqlite, mysql, postgres
	SQLitePath      string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	Host            string `mapstructure:"host" yaml:"host,omitempty"`
	Port            int    `mapstructure:"port" yaml:"port,omitempty"`
	Username        string `mapstructure:"username" yaml:"username,omitempty"`
	Password        string `mapstructure:"password" yaml:"password,omitempty"`
	Database        string `mapstructure:"database" yaml:"database,omitempty"`
	MaxIdleConn     int    `mapstructure:"max_idle_conn" yaml:"max_idle_conn,omitempty"`
	MaxOpenConn     int    `mapstructure:"max_open_conn" yaml:"max_open_conn,omitempty"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime,omitempty"`
	LogLevel        string `mapstructure:"log_level" yaml:"log_level"`
}

// ServerConfig configures the status API / ServerConfig 配置状态 API
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	Mode string `mapstructure:"mode" yaml:"mode"` // gin mode: debug, release, test
}

// TelemetryConfig configures OpenTelemetry tracing / TelemetryConfig 配置 OpenTelemetry 追踪
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// GPUConfig configures the VRAM preflight / GPUConfig 配置显存预检
type GPUConfig struct {
	Preflight bool    `mapstructure:"preflight" yaml:"preflight"`
	MinFreeGB float64 `mapstructure:"min_free_gb" yaml:"min_free_gb"`
	SMIPath   string  `mapstructure:"smi_path" yaml:"smi_path"`
}

// Config represents the nimctl configuration
// Config 表示 nimctl 配置
type Config struct {
	Services     ServicesConfig     `mapstructure:"services" yaml:"services"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Runtime      RuntimeConfig      `mapstructure:"runtime" yaml:"runtime"`
	Terminator   TerminatorConfig   `mapstructure:"terminator" yaml:"terminator"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
	GPU          GPUConfig          `mapstructure:"gpu" yaml:"gpu"`
}

// DefaultConfigPath returns $HOME/.config/nimctl/config.yaml
// DefaultConfigPath 返回 $HOME/.config/nimctl/config.yaml
func DefaultConfigPath() string {
	return filepath.Join(userDir(".config"), "config.yaml")
}

// DefaultStateDir returns $HOME/.local/state/nimctl
// DefaultStateDir 返回 $HOME/.local/state/nimctl
func DefaultStateDir() string {
	return userDir(filepath.Join(".local", "state"))
}

func userDir(sub string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "nimctl")
	}
	return filepath.Join(home, sub, "nimctl")
}

// Load loads configuration from file and environment variables
// Load 从文件和环境变量加载配置
func Load(configPath string) (*Config, error) {
	return LoadWithPriority(configPath, nil)
}

// LoadWithPriority loads configuration with explicit priority handling
// LoadWithPriority 使用显式优先级处理加载配置
// Priority: overrides > envVars > configFile > defaults
// 优先级：命令行参数 > 环境变量 > 配置文件 > 默认值
func LoadWithPriority(configPath string, overrides map[string]interface{}) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("NIMCTL_CONFIG_PATH"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		v.SetConfigFile(DefaultConfigPath())
	}

	// Read config file / 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// A missing file falls back to defaults / 文件不存在时使用默认值
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	return unmarshal(v)
}

// LoadFromYAML loads configuration from YAML bytes
// LoadFromYAML 从 YAML 字节加载配置
func LoadFromYAML(yamlData []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(string(yamlData))); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return unmarshal(v)
}

// Default returns the built-in configuration / Default 返回内置默认配置
func Default() *Config {
	cfg, err := unmarshal(newViper())
	if err != nil {
		// defaults are static; a failure here is a programming error
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable override / 启用环境变量覆盖
	v.SetEnvPrefix("NIMCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	stateDir := DefaultStateDir()

	// Service defaults / 服务默认值
	v.SetDefault("services.llm.name", ServiceLLM)
	v.SetDefault("services.llm.kind", string(KindLLM))
	v.SetDefault("services.llm.runtime", RuntimeContainer)
	v.SetDefault("services.llm.container_name", DefaultLLMContainerName)
	v.SetDefault("services.llm.image", "nvcr.io/nim/meta/llama-3.1-8b-instruct:latest")
	v.SetDefault("services.llm.ports", []string{"19002:8000"})
	v.SetDefault("services.llm.health_url", DefaultLLMHealthURL)
	v.SetDefault("services.llm.startup_timeout", DefaultLLMStartupTimeout)
	v.SetDefault("services.llm.stop_grace", DefaultStopGrace)

	v.SetDefault("services.trellis.name", ServiceTrellis)
	v.SetDefault("services.trellis.kind", string(KindGeneration))
	v.SetDefault("services.trellis.runtime", RuntimeContainer)
	v.SetDefault("services.trellis.container_name", DefaultTrellisContainerName)
	v.SetDefault("services.trellis.image", "nvcr.io/nim/microsoft/trellis:latest")
	v.SetDefault("services.trellis.ports", []string{"8000:8000"})
	v.SetDefault("services.trellis.health_url", DefaultTrellisHealthURL)
	v.SetDefault("services.trellis.startup_timeout", DefaultTrellisStartupTimeout)
	v.SetDefault("services.trellis.stop_grace", DefaultStopGrace)

	// Orchestrator defaults / 编排器默认值
	v.SetDefault("orchestrator.poll_interval", DefaultPollInterval)
	v.SetDefault("orchestrator.max_attempts", DefaultMaxAttempts)
	v.SetDefault("orchestrator.stagger_delay", DefaultStaggerDelay)
	v.SetDefault("orchestrator.probe_timeout", DefaultProbeTimeout)
	v.SetDefault("orchestrator.failure_policy", FailurePolicyContinue)

	// Runtime defaults / 运行时默认值
	v.SetDefault("runtime.engine", DefaultEngine)
	if runtime.GOOS == "windows" {
		v.SetDefault("runtime.wsl_distro", DefaultWSLDistro)
	} else {
		v.SetDefault("runtime.wsl_distro", "")
	}
	v.SetDefault("runtime.state_dir", stateDir)
	v.SetDefault("runtime.log_dir", filepath.Join(stateDir, "logs"))
	v.SetDefault("runtime.api_key", "")

	// Terminator defaults / 终止器默认值
	v.SetDefault("terminator.sweep_patterns", []string{"trellis_server", "run_trellis", "run_llama"})
	v.SetDefault("terminator.sweep_grace", DefaultSweepGrace)

	// Log defaults / 日志默认值
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", filepath.Join(stateDir, "nimctl.log"))
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)
	v.SetDefault("log.console", true)

	// Database defaults / 数据库默认值
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.type", DefaultDatabaseType)
	v.SetDefault("database.sqlite_path", filepath.Join(stateDir, "journal.db"))
	v.SetDefault("database.log_level", "warn")

	// Server defaults / 服务端默认值
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.mode", "release")

	// Telemetry defaults / 遥测默认值
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", DefaultTelemetryEndpoint)
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)

	// GPU defaults / GPU 默认值
	v.SetDefault("gpu.preflight", true)
	v.SetDefault("gpu.min_free_gb", DefaultMinFreeGB)
	v.SetDefault("gpu.smi_path", "nvidia-smi")
}

// Validate validates the configuration
// Validate 验证配置
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, spec := range c.Services.Ordered() {
		if err := spec.Validate(); err != nil {
			return err
		}
		if seen[spec.Name] {
			return fmt.Errorf("duplicate service name: %s", spec.Name)
		}
		seen[spec.Name] = true
	}

	if c.Orchestrator.PollInterval < time.Second {
		return errors.New("orchestrator.poll_interval must be at least 1 second")
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return errors.New("orchestrator.max_attempts must be at least 1")
	}
	if c.Orchestrator.StaggerDelay < 0 {
		return errors.New("orchestrator.stagger_delay must not be negative")
	}
	if c.Orchestrator.ProbeTimeout <= 0 {
		return errors.New("orchestrator.probe_timeout must be positive")
	}
	switch c.Orchestrator.FailurePolicy {
	case FailurePolicyContinue, FailurePolicyAbortAll:
	default:
		return fmt.Errorf("invalid orchestrator.failure_policy: %s (must be continue or abort-all)", c.Orchestrator.FailurePolicy)
	}

	switch c.Runtime.Engine {
	case "podman", "docker":
	default:
		return fmt.Errorf("invalid runtime.engine: %s (must be podman or docker)", c.Runtime.Engine)
	}
	if c.Runtime.StateDir == "" {
		return errors.New("runtime.state_dir is required")
	}

	// Validate log level / 验证日志级别
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	if c.Database.Enabled {
		switch c.Database.Type {
		case "sqlite", "mysql", "postgres":
		default:
			return fmt.Errorf("invalid database.type: %s (must be sqlite, mysql, or postgres)", c.Database.Type)
		}
	}

	return nil
}

// Validate checks one service spec / Validate 校验单个服务描述
func (s ServiceSpec) Validate() error {
	if s.Name == "" {
		return errors.New("service name is required")
	}
	switch s.Kind {
	case KindLLM, KindGeneration:
	default:
		return fmt.Errorf("service %s: invalid kind %q (must be llm or generation)", s.Name, s.Kind)
	}
	switch s.Runtime {
	case RuntimeContainer:
		if s.ContainerName == "" {
			return fmt.Errorf("service %s: container_name is required for the container runtime", s.Name)
		}
		if s.Image == "" && len(s.Command) == 0 {
			return fmt.Errorf("service %s: image or command is required", s.Name)
		}
	case RuntimeExec:
		if len(s.Command) == 0 {
			return fmt.Errorf("service %s: command is required for the exec runtime", s.Name)
		}
	default:
		return fmt.Errorf("service %s: invalid runtime %q (must be container or exec)", s.Name, s.Runtime)
	}
	u, err := url.Parse(s.HealthURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("service %s: invalid health_url %q", s.Name, s.HealthURL)
	}
	if s.StartupTimeout <= 0 {
		return fmt.Errorf("service %s: startup_timeout must be positive", s.Name)
	}
	if s.StopGrace < 0 {
		return fmt.Errorf("service %s: stop_grace must not be negative", s.Name)
	}
	return nil
}

// String returns a string representation of the config (for debugging)
// String 返回配置的字符串表示（用于调试）
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{LLM: %s@%s, Trellis: %s@%s, PollInterval: %v, MaxAttempts: %d, Stagger: %v, Engine: %s, Log.Level: %s}",
		c.Services.LLM.ContainerName,
		c.Services.LLM.HealthURL,
		c.Services.Trellis.ContainerName,
		c.Services.Trellis.HealthURL,
		c.Orchestrator.PollInterval,
		c.Orchestrator.MaxAttempts,
		c.Orchestrator.StaggerDelay,
		c.Runtime.Engine,
		c.Log.Level,
	)
}

// ToYAML serializes the configuration to YAML format
// ToYAML 将配置序列化为 YAML 格式
func (c *Config) ToYAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

// Redacted returns a copy with secrets masked / Redacted 返回屏蔽敏感信息后的副本
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Runtime.APIKey != "" {
		cp.Runtime.APIKey = "******"
	}
	if cp.Database.Password != "" {
		cp.Database.Password = "******"
	}
	return &cp
}
