package gateway

import (
	"context"
	"time"
)

// Store persists the generation request log.
type Store interface {
	CreateLog(ctx context.Context, log *RequestLog) error
	ListLogs(ctx context.Context, accountID string, limit int) ([]*RequestLog, error)
	DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error)
}
