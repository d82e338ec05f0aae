package session

import (
	"context"

	"homework-live/server/internal/model"
)

// Store 保存每个会话最近一次的 UI 快照，供重连的浏览器和 CLI 查询。
type Store interface {
	Get(ctx context.Context, id string) (*model.UIState, error)
	Save(ctx context.Context, s *model.UIState) error
	Delete(ctx context.Context, id string) error
}
