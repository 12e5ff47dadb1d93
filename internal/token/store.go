package token

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Store 令牌持久化接口
type Store interface {
	Load(ctx context.Context, user string) (*Bundle, error)
	Save(ctx context.Context, user string, b *Bundle) error
	Delete(ctx context.Context, user string) error
}

// FileStore 基于文件的令牌存储，每个用户一个文件
type FileStore struct {
	dir string
}

// NewFileStore 创建文件存储
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._@-]`)

// Path 用户令牌文件路径
func (s *FileStore) Path(user string) string {
	return filepath.Join(s.dir, unsafeFileChars.ReplaceAllString(user, "_")+"_fordpass_token.txt")
}

// Load 读取令牌，文件不存在返回 ErrNoToken，内容无效返回 ErrInvalidBundle
func (s *FileStore) Load(_ context.Context, user string) (*Bundle, error) {
	data, err := os.ReadFile(s.Path(user))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	return Unmarshal(data)
}

// Save 原子写入：先写临时文件再 rename
func (s *FileStore) Save(_ context.Context, user string, b *Bundle) error {
	data, err := b.Marshal()
	if err != nil {
		return fmt.Errorf("encode token bundle: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	path := s.Path(user)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Delete 删除令牌文件，文件不存在不算错误
func (s *FileStore) Delete(_ context.Context, user string) error {
	if err := os.Remove(s.Path(user)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete token file: %w", err)
	}
	return nil
}
