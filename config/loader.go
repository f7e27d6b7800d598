// =============================================================================
// 📦 Stepflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("stepflow.yaml").
//	    WithEnvPrefix("STEPFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 Stepflow 的完整配置结构
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Workflow 工作流默认行为
	Workflow WorkflowConfig `yaml:"workflow" env:"WORKFLOW"`

	// Storage 会话存储配置
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Events 事件外发配置
	Events EventsConfig `yaml:"events" env:"EVENTS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// WorkflowConfig 工作流默认行为
type WorkflowConfig struct {
	// 步骤默认最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 每次重试之间的等待时间
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	// 单次尝试超时，0 表示不限制
	StepTimeout time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
	// 流式运行是否推送中间步骤事件
	StreamIntermediateSteps bool `yaml:"stream_intermediate_steps" env:"STREAM_INTERMEDIATE_STEPS"`
	// 是否把事件保存到运行记录
	StoreEvents bool `yaml:"store_events" env:"STORE_EVENTS"`
	// 保存时跳过的事件类型
	EventsToSkip []string `yaml:"events_to_skip" env:"EVENTS_TO_SKIP"`
	// Parallel 最大并发数，0 表示不限制
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// 后台运行的 goroutine 池大小
	BackgroundWorkers int `yaml:"background_workers" env:"BACKGROUND_WORKERS"`
	// 后台运行的等待队列长度
	BackgroundQueueSize int `yaml:"background_queue_size" env:"BACKGROUND_QUEUE_SIZE"`
}

// StorageConfig 会话存储配置
type StorageConfig struct {
	// 类型: memory, file, redis, sql, mongo
	Type string `yaml:"type" env:"TYPE"`
	// file 存储目录
	Dir string `yaml:"dir" env:"DIR"`
	// 键 / 表 / 集合前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
	// Database SQL 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	// Mongo 配置
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`
	// Cache 读缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 会话过期时间，0 表示永不过期
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite, sqlite3
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 是否在启动时执行迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	// 连接 URI
	URI string `yaml:"uri" env:"URI"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
	// 集合名
	Collection string `yaml:"collection" env:"COLLECTION"`
	// 连接超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// CacheConfig 会话读缓存配置（Redis）
type CacheConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 缓存过期时间
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// EventsConfig 事件外发配置
type EventsConfig struct {
	// NATS 发布配置
	NATS NATSConfig `yaml:"nats" env:"NATS"`
	// 是否把事件写入日志
	LogEvents bool `yaml:"log_events" env:"LOG_EVENTS"`
}

// NATSConfig NATS 配置
type NATSConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 服务器地址
	URL string `yaml:"url" env:"URL"`
	// 主题前缀，完整主题为 <prefix>.<workflow_id>
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	// 连接名
	ClientName string `yaml:"client_name" env:"CLIENT_NAME"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 按 默认值 → YAML 文件 → 环境变量 的顺序组装 Config
type Loader struct {
	path       string
	prefix     string
	lookup     func(string) (string, bool)
	expand     bool
	validators []func(*Config) error
}

// NewLoader 创建读取 STEPFLOW_* 环境变量的加载器
func NewLoader() *Loader {
	return &Loader{
		prefix: "STEPFLOW",
		lookup: os.LookupEnv,
		expand: true,
	}
}

// WithConfigPath 设置 YAML 文件路径，文件不存在时忽略
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.prefix = prefix
	return l
}

// WithLookup 替换环境变量来源，默认 os.LookupEnv
func (l *Loader) WithLookup(lookup func(string) (string, bool)) *Loader {
	l.lookup = lookup
	return l
}

// WithoutExpand 不展开 YAML 中的 ${VAR} 引用
func (l *Loader) WithoutExpand() *Loader {
	l.expand = false
	return l
}

// WithValidator 添加在 Load 最后执行的校验
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.path != "" {
		if err := l.applyFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.path, err)
		}
	}
	if err := l.applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) applyFile(cfg *Config) error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	text := string(data)
	if l.expand {
		// 未设置的变量展开为空串
		text = os.Expand(text, func(name string) string {
			v, _ := l.lookup(name)
			return v
		})
	}
	return yaml.Unmarshal([]byte(text), cfg)
}

// envBinding 一个叶子字段与它对应的环境变量
type envBinding struct {
	key   string
	field reflect.Value
}

// bindings 按字段顺序展开 env 标签，嵌套结构体的键以 _ 连接
func bindings(v reflect.Value, prefix string) []envBinding {
	var out []envBinding
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)
		if field.Kind() == reflect.Struct && field.Type() != durationType {
			out = append(out, bindings(field, key)...)
			continue
		}
		out = append(out, envBinding{key: key, field: field})
	}
	return out
}

func (l *Loader) applyEnv(cfg *Config) error {
	var errs []error
	for _, b := range bindings(reflect.ValueOf(cfg).Elem(), l.prefix) {
		raw, ok := l.lookup(b.key)
		if !ok || raw == "" {
			continue
		}
		if err := decodeEnv(b.field, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", b.key, raw, err))
		}
	}
	return errors.Join(errs...)
}

// EnvKeys 返回全部可用的环境变量名，顺序与 Config 字段一致
func (l *Loader) EnvKeys() []string {
	bs := bindings(reflect.ValueOf(DefaultConfig()).Elem(), l.prefix)
	keys := make([]string, len(bs))
	for i, b := range bs {
		keys[i] = b.key
	}
	return keys
}

var durationType = reflect.TypeOf(time.Duration(0))

// decodeEnv 把 raw 解析为 field 的类型；切片按逗号拆分
func decodeEnv(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// Storage types.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageRedis  = "redis"
	StorageSQL    = "sql"
	StorageMongo  = "mongo"
)

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unsupported log format %q", c.Log.Format))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, "telemetry.otlp_endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
		}
	}

	if c.Workflow.MaxRetries < 0 {
		errs = append(errs, "workflow.max_retries must not be negative")
	}
	if c.Workflow.MaxConcurrency < 0 {
		errs = append(errs, "workflow.max_concurrency must not be negative")
	}
	if c.Workflow.BackgroundWorkers <= 0 {
		errs = append(errs, "workflow.background_workers must be positive")
	}

	switch c.Storage.Type {
	case "", StorageMemory:
	case StorageFile:
		if c.Storage.Dir == "" {
			errs = append(errs, "storage.dir is required for file storage")
		}
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, "storage.redis.addr is required for redis storage")
		}
	case StorageSQL:
		switch c.Storage.Database.Driver {
		case "postgres", "mysql", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Storage.Database.Driver))
		}
	case StorageMongo:
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, "storage.mongo.uri is required for mongo storage")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported storage type %q", c.Storage.Type))
	}
	if c.Storage.Cache.Enabled && c.Storage.Redis.Addr == "" {
		errs = append(errs, "storage.cache requires storage.redis.addr")
	}

	if c.Events.NATS.Enabled && c.Events.NATS.URL == "" {
		errs = append(errs, "events.nats.url is required when nats is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}
