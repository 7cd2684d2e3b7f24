package pg

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgOnce sync.Once
	pool   *pgxpool.Pool
)

// InitPg opens the shared pgx pool (singleton) and pings it.
func InitPg(databaseURL string) error {
	var initErr error
	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		p, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			initErr = err
			return
		}
		if err := p.Ping(ctx); err != nil {
			initErr = err
			return
		}
		pool = p
	})
	return initErr
}

// GetPool returns the shared pool.
func GetPool() *pgxpool.Pool {
	if pool == nil {
		panic("postgres not initialized, call InitPg first")
	}
	return pool
}

// ClosePg closes the pool.
func ClosePg() {
	if pool != nil {
		pool.Close()
	}
}
