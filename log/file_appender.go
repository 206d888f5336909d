package log

import (
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileAppender writes log entries to a size-rotated file.
type FileAppender struct {
	out *lumberjack.Logger
}

// NewFileAppender creates the log directory if needed and opens a rotating
// writer for cfg.LogPath.
func NewFileAppender(cfg *LogCfg) (*FileAppender, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), os.ModePerm); err != nil {
		return nil, err
	}
	return &FileAppender{
		out: &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.FileSplitMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		},
	}, nil
}

func (a *FileAppender) Write(p []byte) (int, error) {
	return a.out.Write(p)
}

// Sync is a no-op; lumberjack writes through to the file.
func (a *FileAppender) Sync() error {
	return nil
}

// Rotate closes the current file and starts a new one.
func (a *FileAppender) Rotate() error {
	return a.out.Rotate()
}

func (a *FileAppender) Close() error {
	return a.out.Close()
}
