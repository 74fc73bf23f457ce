package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	RabbitMQ  RabbitMQConfig `mapstructure:"rabbitmq"`
	Engine    EngineConfig   `mapstructure:"engine"`
	Tools     ToolsConfig    `mapstructure:"tools"`
	Worker    WorkerConfig   `mapstructure:"worker"`
	Watcher   WatcherConfig  `mapstructure:"watcher"`
	Cache     CacheConfig    `mapstructure:"cache"`
	Log       LogConfig      `mapstructure:"log"`
	ResultDir string         `mapstructure:"result_dir"` // 每个制品的输出目录根
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Mode        string `mapstructure:"mode"`       // debug, release
	APIToken    string `mapstructure:"api_token"`  // 非空时 /api 需要 Bearer token
	UploadDir   string `mapstructure:"upload_dir"` // 上传制品保存目录
	MaxUploadMB int64  `mapstructure:"max_upload_mb"`
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"` // sqlite 时为文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// EngineConfig 反编译流水线配置
type EngineConfig struct {
	WorkDir            string `mapstructure:"work_dir"`             // 临时解压目录，空则使用系统临时目录
	MaxEntries         int    `mapstructure:"max_entries"`          // 归档条目上限
	MaxExtractMB       int64  `mapstructure:"max_extract_mb"`       // 解压总大小上限
	MaxBlobMB          int64  `mapstructure:"max_blob_mb"`          // 单个待扫描文件读取上限
	MinStringLength    int    `mapstructure:"min_string_length"`    // 可打印串最小长度
	MaxRunsPerBlob     int    `mapstructure:"max_runs_per_blob"`    // 每个文件最多扫描的串数
	PatternFile        string `mapstructure:"pattern_file"`         // 自定义字符串模式表（YAML）
	ProtectionRuleFile string `mapstructure:"protection_rule_file"` // 自定义防护指示词表（YAML）
	HardeningProber    string `mapstructure:"hardening_prober"`     // readelf / elf_reader / none
	RunDecompilers     bool   `mapstructure:"run_decompilers"`      // 是否调用 apktool / jadx
	VerifySigning      bool   `mapstructure:"verify_signing"`       // 是否调用 apksigner
}

// ToolsConfig 外部工具路径，空表示不可用
type ToolsConfig struct {
	Aapt2            string `mapstructure:"aapt2"`
	Apktool          string `mapstructure:"apktool"`
	Jadx             string `mapstructure:"jadx"`
	Readelf          string `mapstructure:"readelf"`
	Apksigner        string `mapstructure:"apksigner"`
	DecompileTimeout int    `mapstructure:"decompile_timeout"` // seconds
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// WatcherConfig 入站目录监听
type WatcherConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	InboundDir string `mapstructure:"inbound_dir"`
	DebounceMs int    `mapstructure:"debounce_ms"`
}

// CacheConfig API 报告缓存
type CacheConfig struct {
	ReportEntries int `mapstructure:"report_entries"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default 无配置文件时的默认值
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.upload_dir", "data/uploads")
	v.SetDefault("server.max_upload_mb", 500)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.db_name", "data/appsec.db")

	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "appsec_scans")

	v.SetDefault("engine.max_entries", 100000)
	v.SetDefault("engine.max_extract_mb", 4096)
	v.SetDefault("engine.max_blob_mb", 64)
	v.SetDefault("engine.min_string_length", 4)
	v.SetDefault("engine.max_runs_per_blob", 1000)
	v.SetDefault("engine.hardening_prober", "elf_reader")
	v.SetDefault("engine.verify_signing", true)

	v.SetDefault("tools.aapt2", "aapt2")
	v.SetDefault("tools.apktool", "apktool")
	v.SetDefault("tools.jadx", "jadx")
	v.SetDefault("tools.readelf", "readelf")
	v.SetDefault("tools.apksigner", "apksigner")
	v.SetDefault("tools.decompile_timeout", 600)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("watcher.debounce_ms", 2000)

	v.SetDefault("cache.report_entries", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("result_dir", "results")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 环境变量覆盖：APPSEC_ENGINE_WORK_DIR -> engine.work_dir
	v.SetEnvPrefix("APPSEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// 外部工具
	v.BindEnv("tools.aapt2", "AAPT2_PATH")
	v.BindEnv("tools.apktool", "APKTOOL_PATH")
	v.BindEnv("tools.jadx", "JADX_PATH")
	v.BindEnv("tools.readelf", "READELF_PATH")
	v.BindEnv("tools.apksigner", "APKSIGNER_PATH")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
