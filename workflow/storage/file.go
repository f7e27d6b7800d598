package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/workflow"
)

// FileStorage 每个会话一个 JSON 文件：<dir>/<prefix>_<session_id>.json
type FileStorage struct {
	modeTag
	dir    string
	prefix string
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewFileStorage 创建文件存储，目录不存在时自动创建
func NewFileStorage(dir, prefix string, logger *zap.Logger) (*FileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageError("create storage dir", err)
	}

	return &FileStorage{
		dir:    dir,
		prefix: prefix,
		logger: logger.With(zap.String("component", "file_storage"), zap.String("dir", dir)),
	}, nil
}

// path 返回会话文件路径，会话 ID 中的路径分隔符被替换
func (f *FileStorage) path(sessionID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(sessionID)
	if f.prefix != "" {
		safe = f.prefix + "_" + safe
	}
	return filepath.Join(f.dir, safe+".json")
}

// Read 读取会话
func (f *FileStorage) Read(ctx context.Context, sessionID string) (*workflow.Session, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	f.mu.RLock()
	data, err := os.ReadFile(f.path(sessionID))
	f.mu.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(sessionID)
	}
	if err != nil {
		return nil, storageError("read session file", err)
	}
	return decodeSession(data)
}

// Upsert 先写临时文件再 rename，读者不会看到半写入的文件
func (f *FileStorage) Upsert(ctx context.Context, session *workflow.Session) (*workflow.Session, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	out, data, err := f.prepare(session)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.path(out.SessionID)
	tmp, err := os.CreateTemp(f.dir, ".session-*.tmp")
	if err != nil {
		return nil, storageError("create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, storageError("write session file", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, storageError("close session file", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return nil, storageError("rename session file", err)
	}

	f.logger.Debug("session written", zap.String("session_id", out.SessionID), zap.Int("bytes", len(data)))
	return out, nil
}

// DeleteSession 删除会话文件，不存在时不报错
func (f *FileStorage) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(sessionID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageError("delete session file", err)
	}
	return nil
}

// ListSessions 扫描目录下的会话文件
func (f *FileStorage) ListSessions(ctx context.Context, filter workflow.SessionFilter) ([]*workflow.Session, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	pattern := "*.json"
	if f.prefix != "" {
		pattern = f.prefix + "_*.json"
	}
	matches, err := filepath.Glob(filepath.Join(f.dir, pattern))
	if err != nil {
		return nil, storageError("list session files", err)
	}

	out := make([]*workflow.Session, 0, len(matches))
	for _, name := range matches {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, storageError("read session file", err)
		}
		s, err := decodeSession(data)
		if err != nil {
			f.logger.Warn("skipping unreadable session file", zap.String("file", name), zap.Error(err))
			continue
		}
		if filter.Matches(s) {
			out = append(out, s)
		}
	}
	return sortAndLimit(out, filter.Limit), nil
}

// Close 无需释放资源
func (f *FileStorage) Close() error { return nil }
