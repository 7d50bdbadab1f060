// Package logrecorder builds the zap loggers of the command line tools. Log
// files go to a directory named after the current date and are replaced by a
// fresh file every rotation interval.
package logrecorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultRotation 默认日志轮换间隔
const DefaultRotation = 5 * time.Minute

// NowString 返回格式为 "20060102_1504" 的时间字符串
func NowString(t time.Time) string {
	return t.Format("20060102_1504")
}

// MakeDir 在 root 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(root string, t time.Time) (string, error) {
	dirName := fmt.Sprintf("%d_%02d_%02d", t.Year(), t.Month(), t.Day())
	fullPath := filepath.Join(root, dirName)
	if err := os.MkdirAll(fullPath, 0o755); err != nil {
		return "", errors.Wrap(err, "创建文件夹失败")
	}
	return fullPath, nil
}

// rotatingFile 是一个 zapcore.WriteSyncer，超过轮换间隔后在写入时切换到新文件
type rotatingFile struct {
	mu       sync.Mutex
	root     string
	name     string
	interval time.Duration
	now      func() time.Time

	f      *os.File
	opened time.Time
}

func (r *rotatingFile) open() error {
	now := r.now()
	dir, err := MakeDir(r.root, now)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%s.log", r.name, NowString(now)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		return errors.Wrap(err, "打开日志文件失败")
	}
	if r.f != nil {
		_ = r.f.Close()
	}
	r.f, r.opened = f, now
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil || r.interval > 0 && r.now().Sub(r.opened) >= r.interval {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	return r.f.Write(p)
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Sync()
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Options of New.
type Options struct {
	// Dir is where the dated log directories are created. Empty disables the
	// log file.
	Dir string
	// Name prefixes every log file name.
	Name     string
	Rotation time.Duration
	Level    zapcore.Level
	// Console also writes human readable output to stderr.
	Console bool
}

// New builds a logger writing JSON lines to the rotating log file and,
// optionally, to the console. The returned function flushes and closes the
// file.
func New(opts Options) (*zap.Logger, func(), error) {
	var cores []zapcore.Core
	closeFn := func() {}

	if opts.Dir != "" {
		file := &rotatingFile{root: opts.Dir, name: opts.Name, interval: opts.Rotation, now: time.Now}
		// 立即创建初始日志文件
		if err := file.open(); err != nil {
			return nil, nil, err
		}
		enc := zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), file, opts.Level))
		closeFn = func() { _ = file.Close() }
	}
	if opts.Console {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), opts.Level))
	}
	if len(cores) == 0 {
		return zap.NewNop(), closeFn, nil
	}
	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, func() {
		_ = logger.Sync()
		closeFn()
	}, nil
}
