package utils

import (
	"context"

	"github.com/taleforge/stories_backend/appctx"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyWorkerId      = appctx.ContextKeyWorkerId
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetWorkerIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyWorkerId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetWorkerIdInContext(ctx context.Context, workerId string) context.Context {
	return appctx.Set(ctx, ContextKeyWorkerId, workerId)
}
