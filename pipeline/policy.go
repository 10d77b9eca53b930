package pipeline

import "context"

// CachePolicy decides whether an artifact is served from the store instead
// of being fetched again.
type CachePolicy interface {
	UseCache(ctx context.Context, table string) (bool, error)
}

// ExistencePolicy treats a table as fresh as soon as it exists. There is no
// content hash or timestamp comparison.
type ExistencePolicy struct {
	Tables TableChecker
}

func (p ExistencePolicy) UseCache(ctx context.Context, table string) (bool, error) {
	return p.Tables.TableExists(ctx, table)
}

// ForcePolicy never uses the cache.
type ForcePolicy struct{}

func (ForcePolicy) UseCache(context.Context, string) (bool, error) {
	return false, nil
}
