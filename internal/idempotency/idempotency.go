// Package idempotency caches (key -> artifact) so a caller-supplied
// fingerprint replays the same output without re-running a task. The core
// never hashes task input itself; the fingerprint is produced upstream by
// whatever calls QueueManager.Enqueue.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/store"
)

// Cache is the IdempotencyCache component.
type Cache struct {
	store *store.Store
}

// New builds a Cache over an open Store.
func New(st *store.Store) *Cache {
	return &Cache{store: st}
}

// Lookup returns the cached entry iff it exists and has not expired.
func (c *Cache) Lookup(ctx context.Context, key string) (domain.IdempotencyCacheEntry, bool, error) {
	var row idempotencyRow
	err := c.store.Get(ctx, &row, `
		SELECT * FROM idempotency_cache WHERE key = $1 AND expires_at > now()
	`, key)
	if err != nil {
		return domain.IdempotencyCacheEntry{}, false, nil
	}
	entry, err := row.toDomain()
	if err != nil {
		return domain.IdempotencyCacheEntry{}, false, err
	}
	return entry, true, nil
}

// Store upserts the cached result for key with a fresh TTL.
func (c *Cache) Store(ctx context.Context, key, taskID, taskRunID string, codeVersion int, outputPath string, ttlSec int64, outputSize *int64, assets map[string]any) error {
	assetsJSON, err := json.Marshal(assets)
	if err != nil {
		return fmt.Errorf("marshal assets for idempotency key %s: %w", key, err)
	}
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(ttlSec) * time.Second)
	_, err = c.store.Exec(ctx, `
		INSERT INTO idempotency_cache (key, task_id, task_run_id, code_version, output_path, output_size, assets, cached_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (key) DO UPDATE SET
			task_id = EXCLUDED.task_id,
			task_run_id = EXCLUDED.task_run_id,
			code_version = EXCLUDED.code_version,
			output_path = EXCLUDED.output_path,
			output_size = EXCLUDED.output_size,
			assets = EXCLUDED.assets,
			cached_at = EXCLUDED.cached_at,
			expires_at = EXCLUDED.expires_at
	`, key, taskID, taskRunID, codeVersion, outputPath, outputSize, assetsJSON, now, expiresAt)
	if err != nil {
		return fmt.Errorf("store idempotency entry %s: %w", key, err)
	}
	return nil
}

// CleanupExpired bulk-deletes every entry past its TTL. Intended to be
// driven by a periodic maintenance job or the `db-cleanup` CLI command.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := c.store.Exec(ctx, `DELETE FROM idempotency_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired idempotency entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type idempotencyRow struct {
	domain.IdempotencyCacheEntry
	AssetsJSON []byte `db:"assets"`
}

func (row idempotencyRow) toDomain() (domain.IdempotencyCacheEntry, error) {
	e := row.IdempotencyCacheEntry
	if len(row.AssetsJSON) > 0 {
		if err := json.Unmarshal(row.AssetsJSON, &e.Assets); err != nil {
			return domain.IdempotencyCacheEntry{}, fmt.Errorf("decode assets for key %s: %w", e.Key, err)
		}
	}
	return e, nil
}
