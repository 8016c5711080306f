package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日誌設定
type Config struct {
	// Level debug / info / warn / error
	Level string `yaml:"level"`
	// Env production 使用 JSON 輸出，其他使用開發格式
	Env string `yaml:"env"`
}

// New 建立 zap logger
//
// 參數:
//
//	cfg: 日誌設定
//
// 回傳:
//
//	*zap.Logger: logger 實例
//	error: 等級解析或建立錯誤
func New(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Env == "production" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}
