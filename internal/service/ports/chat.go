package ports

import (
	"context"

	"tabmind/internal/domain"
	"tabmind/internal/runner"
)

type ChatRunner interface {
	QueryChat(ctx context.Context, cfg runner.QueryConfig, history []domain.ChatMessage, pageCtx *domain.PageContext) (string, error)
}

type ContextProvider interface {
	Get(tabID int) (domain.PageContext, error)
}

type ModelDiscoverer interface {
	Discover(ctx context.Context) ([]string, error)
}
