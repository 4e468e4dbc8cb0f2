// 文件: pkg/logger/logger.go
// 结构化日志 (logrus)
//
// 【约定】
// - 每个模块通过 Component("Funding") 拿到带 component 字段的 Entry
// - LOG_LEVEL 环境变量控制级别，默认 info
// - 配置了文件路径时通过 lumberjack 滚动写文件，同时输出到 stdout

package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig 日志文件滚动配置
type FileConfig struct {
	Path       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

var (
	mu   sync.RWMutex
	base = newLogger(os.Stdout)
)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	level, err := logrus.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return l
}

// Setup 按配置重建全局 logger
func Setup(level string, file FileConfig) {
	out := io.Writer(os.Stdout)
	if file.Path != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   file.Compress,
		})
	}
	l := newLogger(out)
	if lvl, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
		l.SetLevel(lvl)
	}

	mu.Lock()
	base = l
	mu.Unlock()
}

// L 全局 logger
func L() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Component 带模块名的 Entry
func Component(name string) *logrus.Entry {
	return L().WithField("component", name)
}

// SetOutput 测试中用于静默日志
func SetOutput(w io.Writer) {
	L().SetOutput(w)
}
