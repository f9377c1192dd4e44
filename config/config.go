package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	ETCD     ETCDConfig     `mapstructure:"etcd"`
	Lock     LockConfig     `mapstructure:"lock"`
	GraphQL  GraphQLConfig  `mapstructure:"graphql"`
	Session  SessionConfig  `mapstructure:"session"`
	OTP      OTPConfig      `mapstructure:"otp"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Auditor  AuditorConfig  `mapstructure:"auditor"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin 运行模式: debug / release / test
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// PostgresConfig 选民名册(Directory Service)数据库
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Redlock使用的Redis节点
	LockAddresses  []string `mapstructure:"lock_addresses"`
	LockRetryCount int      `mapstructure:"lock_retry_count"`

	// 回执缓存有效期
	ReceiptCacheTTL time.Duration `mapstructure:"receipt_cache_ttl"`
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	AuditTopic string   `mapstructure:"audit_topic"`
	OTPTopic   string   `mapstructure:"otp_topic"`
	GroupID    string   `mapstructure:"group_id"`
	Workers    int      `mapstructure:"workers"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

// LockConfig 分布式锁实现选择: etcd / redis / local
type LockConfig struct {
	Driver string        `mapstructure:"driver"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

// SessionConfig 投票会话状态机的各状态超时
type SessionConfig struct {
	ChallengeTTL  time.Duration `mapstructure:"challenge_ttl"`
	CredentialTTL time.Duration `mapstructure:"credential_ttl"`
	OTPTTL        time.Duration `mapstructure:"otp_ttl"`
	VerifiedTTL   time.Duration `mapstructure:"verified_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`

	// 选民编号格式
	VoterIDPattern string `mapstructure:"voter_id_pattern"`

	// 同一选民在窗口期内允许发起认证的次数，0表示不限制
	MaxAuthAttempts   int           `mapstructure:"max_auth_attempts"`
	AuthAttemptWindow time.Duration `mapstructure:"auth_attempt_window"`
}

type OTPConfig struct {
	Length      int           `mapstructure:"length"`
	Validity    time.Duration `mapstructure:"validity"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Store       string        `mapstructure:"store"`    // redis / memory
	Delivery    string        `mapstructure:"delivery"` // kafka / console
}

type LedgerConfig struct {
	Driver     string `mapstructure:"driver"` // mysql / memory
	SealSecret string `mapstructure:"seal_secret"`
}

type AuditorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

var AppConfig Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)
	v.SetDefault("redis.lock_retry_count", 3)
	v.SetDefault("redis.receipt_cache_ttl", time.Hour)
	v.SetDefault("kafka.audit_topic", "securevote.audit")
	v.SetDefault("kafka.otp_topic", "securevote.otp")
	v.SetDefault("kafka.group_id", "securevote-audit")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)
	v.SetDefault("etcd.session_ttl", 10*time.Second)
	v.SetDefault("lock.driver", "local")
	v.SetDefault("lock.ttl", 10*time.Second)
	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("session.challenge_ttl", 10*time.Minute)
	v.SetDefault("session.credential_ttl", 3*time.Minute)
	v.SetDefault("session.otp_ttl", 10*time.Minute)
	v.SetDefault("session.verified_ttl", 3*time.Minute)
	v.SetDefault("session.sweep_interval", 30*time.Second)
	v.SetDefault("session.call_timeout", 5*time.Second)
	v.SetDefault("session.voter_id_pattern", `^[A-Z0-9]{1,32}$`)
	v.SetDefault("session.max_auth_attempts", 5)
	v.SetDefault("session.auth_attempt_window", 15*time.Minute)
	v.SetDefault("otp.length", 6)
	v.SetDefault("otp.validity", 5*time.Minute)
	v.SetDefault("otp.max_attempts", 5)
	v.SetDefault("otp.store", "redis")
	v.SetDefault("otp.delivery", "kafka")
	v.SetDefault("ledger.driver", "mysql")
	v.SetDefault("auditor.enabled", true)
	v.SetDefault("auditor.interval", time.Minute)
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// Validate 检查互相依赖的配置项
func (c *Config) Validate() error {
	if c.OTP.Length < 4 || c.OTP.Length > 10 {
		return fmt.Errorf("验证码长度必须在4到10之间: %d", c.OTP.Length)
	}
	if c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("验证码尝试次数必须大于0")
	}
	// OtpIssued状态的会话必须比验证码活得久，否则过期验证码永远报告为会话不存在
	if c.Session.OTPTTL < c.OTP.Validity {
		return fmt.Errorf("session.otp_ttl(%v) 不能小于 otp.validity(%v)", c.Session.OTPTTL, c.OTP.Validity)
	}
	if c.Ledger.SealSecret == "" {
		return fmt.Errorf("ledger.seal_secret 未配置")
	}
	if _, err := regexp.Compile(c.Session.VoterIDPattern); err != nil {
		return fmt.Errorf("session.voter_id_pattern 无效: %w", err)
	}
	switch c.Lock.Driver {
	case "etcd", "redis", "local":
	default:
		return fmt.Errorf("不支持的锁实现: %s", c.Lock.Driver)
	}
	return nil
}
