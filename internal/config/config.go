package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
	Automation AutomationConfig `mapstructure:"automation"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"` // sqlite 文件路径
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN 返回驱动对应的连接串
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslMode)
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, text
	Output     string `mapstructure:"output"` // stdout, stderr, file, both
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`    // MB
	MaxAge     int    `mapstructure:"max_age"`     // days
	MaxBackups int    `mapstructure:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress"`    // compress backup files
}

type MonitoringConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`     // OTLP gRPC 端点，例如 http://otel-collector:4317 或 0.0.0.0:4317
	Insecure    bool    `mapstructure:"insecure"`     // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name"` // 自定义服务名，缺省使用 "postflow"
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// RateLimitingConfig 按客户端 IP 限流
type RateLimitingConfig struct {
	Enabled           bool                  `mapstructure:"enabled"`
	RequestsPerMinute int                   `mapstructure:"requests_per_minute"`
	Burst             int                   `mapstructure:"burst"`
	WhitelistIPs      []string              `mapstructure:"whitelist_ips"`
	Paths             []PathRateLimitConfig `mapstructure:"paths"` // 按路径前缀覆盖, 先匹配者生效
}

type PathRateLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Prefix            string `mapstructure:"prefix"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// AutomationConfig 自动化引擎配置
type AutomationConfig struct {
	Timezone          string        `mapstructure:"timezone"`    // IANA 时区, 日期比较与调度窗口使用
	DateFormat        string        `mapstructure:"date_format"` // 占位符 :date 修饰符, 例如 "F j, Y"
	TimeFormat        string        `mapstructure:"time_format"` // 占位符 :time 修饰符, 例如 "g:i a"
	Language          string        `mapstructure:"language"`    // 数字格式化语言, 例如 en, de
	SchedulerEnabled  bool          `mapstructure:"scheduler_enabled"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"` // 0 永不过期, 负数关闭缓存
	EventTimeout      time.Duration `mapstructure:"event_timeout"`
	Site              SiteConfig    `mapstructure:"site"`
}

type SiteConfig struct {
	Name       string `mapstructure:"name"`
	URL        string `mapstructure:"url"`
	AdminEmail string `mapstructure:"admin_email"`
}

// SMTPConfig 邮件发送配置
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// Load 从全局 viper 读取配置, 未设置的键保留默认值
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom 从指定 viper 实例读取配置
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := GetDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验关键配置
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return errors.New("database.path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.Automation.Timezone != "" {
		if _, err := time.LoadLocation(c.Automation.Timezone); err != nil {
			return fmt.Errorf("invalid automation.timezone %q: %w", c.Automation.Timezone, err)
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

// Location 返回自动化使用的时区
func (a AutomationConfig) Location() *time.Location {
	if a.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// EnvPrefix 环境变量前缀, 例如 POSTFLOW_SERVER_PORT
const EnvPrefix = "POSTFLOW"

// BindEnv 注册默认值并开启环境变量覆盖
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
}

// SetDefaults 将默认值注册到 viper, 使环境变量能覆盖嵌套键
func SetDefaults(v *viper.Viper) {
	d := GetDefaultConfig()
	defaults := map[string]any{
		"server.host":                                d.Server.Host,
		"server.port":                                d.Server.Port,
		"server.mode":                                d.Server.Mode,
		"server.shutdown_timeout":                    d.Server.ShutdownTimeout,
		"database.driver":                            d.Database.Driver,
		"database.host":                              d.Database.Host,
		"database.port":                              d.Database.Port,
		"database.user":                              d.Database.User,
		"database.password":                          d.Database.Password,
		"database.name":                              d.Database.Name,
		"database.ssl_mode":                          d.Database.SSLMode,
		"database.path":                              d.Database.Path,
		"log.level":                                  d.Log.Level,
		"log.format":                                 d.Log.Format,
		"log.output":                                 d.Log.Output,
		"log.file_path":                              d.Log.FilePath,
		"monitoring.tracing.enabled":                 d.Monitoring.Tracing.Enabled,
		"monitoring.tracing.endpoint":                d.Monitoring.Tracing.Endpoint,
		"monitoring.tracing.sample_ratio":            d.Monitoring.Tracing.SampleRatio,
		"security.cors.enabled":                      d.Security.CORS.Enabled,
		"security.rate_limiting.enabled":             d.Security.RateLimiting.Enabled,
		"security.rate_limiting.requests_per_minute": d.Security.RateLimiting.RequestsPerMinute,
		"security.rate_limiting.burst":               d.Security.RateLimiting.Burst,
		"automation.timezone":                        d.Automation.Timezone,
		"automation.date_format":                     d.Automation.DateFormat,
		"automation.time_format":                     d.Automation.TimeFormat,
		"automation.language":                        d.Automation.Language,
		"automation.scheduler_enabled":               d.Automation.SchedulerEnabled,
		"automation.scheduler_interval":              d.Automation.SchedulerInterval,
		"automation.cache_ttl":                       d.Automation.CacheTTL,
		"automation.event_timeout":                   d.Automation.EventTimeout,
		"automation.site.name":                       d.Automation.Site.Name,
		"automation.site.url":                        d.Automation.Site.URL,
		"automation.site.admin_email":                d.Automation.Site.AdminEmail,
		"smtp.host":                                  d.SMTP.Host,
		"smtp.port":                                  d.SMTP.Port,
		"smtp.username":                              d.SMTP.Username,
		"smtp.password":                              d.SMTP.Password,
		"smtp.from":                                  d.SMTP.From,
		"smtp.from_name":                             d.SMTP.FromName,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Mode:            "release",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "postflow",
			SSLMode:         "disable",
			Path:            "./postflow.db",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/postflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "postflow",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           false,
				RequestsPerMinute: 600,
				Burst:             100,
				Paths: []PathRateLimitConfig{
					{Enabled: true, Prefix: "/api/automations/events", RequestsPerMinute: 120, Burst: 20},
					{Enabled: true, Prefix: "/api/automations/run-scheduled", RequestsPerMinute: 6, Burst: 2},
				},
			},
		},
		Automation: AutomationConfig{
			Timezone:          "UTC",
			DateFormat:        "F j, Y",
			TimeFormat:        "g:i a",
			Language:          "en",
			SchedulerEnabled:  true,
			SchedulerInterval: 5 * time.Minute,
			CacheTTL:          time.Minute,
			EventTimeout:      5 * time.Second,
			Site: SiteConfig{
				Name:       "Postflow",
				URL:        "http://localhost:8080",
				AdminEmail: "admin@example.com",
			},
		},
		SMTP: SMTPConfig{
			Host:     "",
			Port:     25,
			From:     "noreply@example.com",
			FromName: "Postflow",
		},
	}
}
