package services

import (
	"context"

	"github.com/ekaya-inc/ekaya-router/pkg/database"
)

// TxRunner runs fn inside a database transaction. Repository calls made with
// the context passed to fn join it.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

var _ TxRunner = (*database.DB)(nil)
