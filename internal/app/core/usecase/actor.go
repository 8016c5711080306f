package usecase

import "context"

// DefaultActor 沒有登入管理員時的操作者
const DefaultActor = "non-admin"

type actorKey struct{}

// WithActor 將操作者名稱放入 context
func WithActor(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, actorKey{}, name)
}

// ContextActor 從 context 取得操作者
type ContextActor struct{}

func (ContextActor) Actor(ctx context.Context) string {
	if name, ok := ctx.Value(actorKey{}).(string); ok && name != "" {
		return name
	}
	return DefaultActor
}

var _ ActorLookup = ContextActor{}
