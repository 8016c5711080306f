package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/authnet"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/kafka"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/redis"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/spin"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/stripe"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/pricing"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-receipt-ledger/pkg/logger"
	"github.com/JoeShih716/go-receipt-ledger/pkg/mysql"
)

// StoreKind 帳本儲存方式
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreMySQL  StoreKind = "mysql"
)

type Server struct {
	GrpcAddr        string        `yaml:"grpc_addr"`
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Payments struct {
	// OnlineProcessor hosted (Stripe) 或 direct (Authorize.Net)
	OnlineProcessor domain.ProviderKind `yaml:"online_processor"`
	RetryBackoff    time.Duration       `yaml:"retry_backoff"`
}

type Terminal struct {
	Enabled            bool          `yaml:"enabled"`
	DevBox             bool          `yaml:"dev_box"`
	EventYear          string        `yaml:"event_year"`
	SignatureThreshold int64         `yaml:"signature_threshold"`
	PaymentType        string        `yaml:"payment_type"`
	BusyInterval       time.Duration `yaml:"busy_interval"`
	BusyDeadline       time.Duration `yaml:"busy_deadline"`
	MaxTimeoutRetries  int           `yaml:"max_timeout_retries"`
	MaxStaleRetries    int           `yaml:"max_stale_retries"`
	// Workstations 工作站 -> 終端機 TPN
	Workstations map[string]string `yaml:"workstations"`
	// Board memory 或 redis
	Board string `yaml:"board"`
}

// Options 轉成 usecase 使用的設定
func (t Terminal) Options() usecase.TerminalOptions {
	return usecase.TerminalOptions{
		DevBox:             t.DevBox,
		EventYear:          t.EventYear,
		SignatureThreshold: t.SignatureThreshold,
		PaymentType:        t.PaymentType,
		BusyInterval:       t.BusyInterval,
		BusyDeadline:       t.BusyDeadline,
		MaxTimeoutRetries:  t.MaxTimeoutRetries,
		MaxStaleRetries:    t.MaxStaleRetries,
	}
}

type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

type Journal struct {
	Path string `yaml:"path"`
}

type Kafka struct {
	Enabled      bool `yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

// Config 服務設定，啟動時讀取一次後以參數傳給各元件
type Config struct {
	Server   Server         `yaml:"server"`
	Logger   logger.Config  `yaml:"logger"`
	Store    StoreKind      `yaml:"store"`
	Payments Payments       `yaml:"payments"`
	Terminal Terminal       `yaml:"terminal"`
	Prices   pricing.Prices `yaml:"prices"`
	Metrics  Metrics        `yaml:"metrics"`
	Journal  Journal        `yaml:"journal"`
	MySQL    mysql.Config   `yaml:"mysql"`
	Redis    redis.Config   `yaml:"redis"`
	Kafka    Kafka          `yaml:"kafka"`
	Stripe   stripe.Config  `yaml:"stripe"`
	Authnet  authnet.Config `yaml:"authnet"`
	Spin     spin.Config    `yaml:"spin"`
}

// Load 讀取 .env (若存在) 與 yaml 設定檔，${VAR} 會以環境變數展開
//
// 參數:
//
//	path: yaml 設定檔路徑
//
// 回傳:
//
//	*Config: 已補齊預設值並驗證過的設定
//	error: 讀檔、解析或驗證錯誤
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse 解析 yaml 內容
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.GrpcAddr == "" {
		c.Server.GrpcAddr = ":50051"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Store == "" {
		c.Store = StoreMemory
	}
	if c.Payments.OnlineProcessor == "" {
		c.Payments.OnlineProcessor = domain.ProviderHosted
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/confirmations.wal"
	}
	if c.Terminal.Board == "" {
		c.Terminal.Board = "memory"
	}
	if c.Stripe.Currency == "" {
		c.Stripe.Currency = "usd"
	}
	if c.Authnet.Endpoint == "" {
		c.Authnet.Endpoint = authnet.SandboxEndpoint
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "payment_events"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	c.MySQL.SetDefaults()
}

// Validate 檢查組合是否可以啟動
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreMySQL:
		if c.MySQL.Host == "" {
			return errors.New("config: mysql.host is required when store is mysql")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}

	switch c.Payments.OnlineProcessor {
	case domain.ProviderHosted:
		if c.Stripe.SecretKey == "" {
			return errors.New("config: stripe.secret_key is required for the hosted processor")
		}
	case domain.ProviderDirect:
		if c.Authnet.LoginID == "" || c.Authnet.TransactionKey == "" {
			return errors.New("config: authnet.login_id and authnet.transaction_key are required for the direct processor")
		}
	default:
		return fmt.Errorf("config: unknown payments.online_processor %q", c.Payments.OnlineProcessor)
	}

	if c.Terminal.Enabled {
		if c.Spin.BaseURL == "" || c.Spin.AuthKey == "" {
			return errors.New("config: spin.base_url and spin.auth_key are required when terminals are enabled")
		}
		switch c.Terminal.Board {
		case "memory":
		case "redis":
			if c.Redis.Addr == "" {
				return errors.New("config: redis.addr is required for the redis terminal board")
			}
		default:
			return fmt.Errorf("config: unknown terminal.board %q", c.Terminal.Board)
		}
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("config: kafka.brokers is required when kafka is enabled")
	}
	return nil
}
