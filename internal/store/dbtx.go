// Package store implements the crawldomain persistence ports (C2) and the
// C3 lease-store CAS primitive against Postgres via pgx, with no sqlc codegen
// layer: the retrieved reference pack never checks in its generated
// internal/db package, so queries here are written directly against a
// minimal DBTX interface instead of fabricating generated code.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal surface Store implementations need, satisfied by both
// *pgxpool.Pool and pgx.Tx so stores can run inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
