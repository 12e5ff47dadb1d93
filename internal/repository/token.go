package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/fordgazer/internal/token"
)

// TokenRepository 令牌组仓库，实现 token.Store
type TokenRepository struct {
	db *DB
}

// NewTokenRepository 创建令牌仓库
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Load 读取用户令牌组
func (r *TokenRepository) Load(ctx context.Context, user string) (*token.Bundle, error) {
	var data []byte
	err := r.db.Pool.QueryRow(ctx,
		`SELECT bundle FROM token_bundles WHERE username = $1`, user,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, token.ErrNoToken
		}
		return nil, fmt.Errorf("get token bundle: %w", err)
	}
	return token.Unmarshal(data)
}

// Save 写入用户令牌组，单条语句保证原子替换
func (r *TokenRepository) Save(ctx context.Context, user string, b *token.Bundle) error {
	data, err := b.Marshal()
	if err != nil {
		return fmt.Errorf("encode token bundle: %w", err)
	}

	query := `
		INSERT INTO token_bundles (username, bundle, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (username) DO UPDATE SET
			bundle = EXCLUDED.bundle,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.Pool.Exec(ctx, query, user, data); err != nil {
		return fmt.Errorf("save token bundle: %w", err)
	}
	return nil
}

// Delete 删除用户令牌组
func (r *TokenRepository) Delete(ctx context.Context, user string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM token_bundles WHERE username = $1`, user); err != nil {
		return fmt.Errorf("delete token bundle: %w", err)
	}
	return nil
}
