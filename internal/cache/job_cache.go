package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"product-import-service/internal/models"
)

// DefaultJobTTL keeps a finished job's snapshot around for pollers
const DefaultJobTTL = 24 * time.Hour

// JobCache holds live import job snapshots in Redis so that progress polling
// does not hit the database on every request.
type JobCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewJobCache creates a job cache. A nil client gives a cache that never hits.
func NewJobCache(client *redis.Client, ttl time.Duration) *JobCache {
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}
	return &JobCache{client: client, ttl: ttl}
}

// NewRedisClient connects to redisURL and returns nil when Redis is not
// configured or not reachable, so callers degrade to database-only reads.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (c *JobCache) cacheKey(tenantID string, jobID uuid.UUID) string {
	return fmt.Sprintf("import:job:%s:%s", tenantID, jobID.String())
}

// Get returns the cached job, or nil on a miss or when the cache is unavailable
func (c *JobCache) Get(ctx context.Context, tenantID string, jobID uuid.UUID) (*models.ImportJob, error) {
	if !c.IsAvailable() {
		return nil, nil
	}

	data, err := c.client.Get(ctx, c.cacheKey(tenantID, jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job models.ImportJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Set stores a snapshot of the job
func (c *JobCache) Set(ctx context.Context, job *models.ImportJob) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.cacheKey(job.TenantID, job.ID), data, c.ttl).Err()
}

// Invalidate removes a job's snapshot
func (c *JobCache) Invalidate(ctx context.Context, tenantID string, jobID uuid.UUID) error {
	if !c.IsAvailable() {
		return nil
	}
	return c.client.Del(ctx, c.cacheKey(tenantID, jobID)).Err()
}

// Close closes the Redis connection
func (c *JobCache) Close() error {
	if !c.IsAvailable() {
		return nil
	}
	return c.client.Close()
}

// IsAvailable returns true if the cache is available
func (c *JobCache) IsAvailable() bool {
	return c != nil && c.client != nil
}
