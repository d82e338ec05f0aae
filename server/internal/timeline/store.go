package timeline

import (
	"context"

	"homework-live/server/internal/model"
)

// Store 对话历史存储（只追加）
type Store interface {
	// Append 以 append-only 的契约写入一条历史，返回本次写入的 seq。
	// 约定：同一 session 的 seq 单调递增；相同 EventID 的请求应幂等返回同一 seq。
	Append(ctx context.Context, sessionID string, entry *model.HistoryEntry) (int64, error)
	// List 返回该 session 的全部历史，按 seq 升序。
	List(ctx context.Context, sessionID string) ([]model.HistoryEntry, error)
}
