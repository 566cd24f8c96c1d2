package cache

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"product-import-service/internal/models"
)

func TestJobCache_WithoutRedis(t *testing.T) {
	ctx := context.Background()
	c := NewJobCache(nil, 0)
	assert.Equal(t, DefaultJobTTL, c.ttl)
	assert.False(t, c.IsAvailable())

	job := &models.ImportJob{ID: uuid.New(), TenantID: "tenant-a"}
	assert.NoError(t, c.Set(ctx, job))

	cached, err := c.Get(ctx, job.TenantID, job.ID)
	assert.NoError(t, err)
	assert.Nil(t, cached)
	assert.NoError(t, c.Invalidate(ctx, job.TenantID, job.ID))
	assert.NoError(t, c.Close())

	var missing *JobCache
	assert.False(t, missing.IsAvailable())
	assert.NoError(t, missing.Set(ctx, job))
}

func TestJobCache_KeyIsTenantScoped(t *testing.T) {
	c := NewJobCache(nil, 0)
	id := uuid.New()
	assert.NotEqual(t, c.cacheKey("tenant-a", id), c.cacheKey("tenant-b", id))
	assert.Equal(t, "import:job:tenant-a:"+id.String(), c.cacheKey("tenant-a", id))
}

func TestNewRedisClient(t *testing.T) {
	client, err := NewRedisClient(context.Background(), "")
	assert.NoError(t, err)
	assert.Nil(t, client)

	_, err = NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}
