package inventory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgdeploy-io/orgdeploy/internal/model"
	"github.com/orgdeploy-io/orgdeploy/internal/store"
)

func cacheFixture(t *testing.T, objects *store.Memory, inv *Inventory) {
	t.Helper()
	body, err := json.Marshal(inv)
	require.NoError(t, err)
	require.NoError(t, objects.Put(context.Background(), CacheObjectKey, body))
}

func TestServiceServesFreshCache(t *testing.T) {
	objects := store.NewMemory()
	cacheFixture(t, objects, fixture())

	fetched := false
	service := &Service{
		Objects: objects,
		TTL:     time.Hour,
		Fetch: func(ctx context.Context) (*Inventory, error) {
			fetched = true
			return fixture(), nil
		},
	}
	inv, err := service.Load(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, fetched, "a fresh cache must not trigger a fetch")
	assert.Len(t, inv.Accounts, 3)
}

func TestServiceRefreshesExpiredCache(t *testing.T) {
	objects := store.NewMemory()
	cacheFixture(t, objects, &Inventory{Accounts: map[string]Account{}, OUs: map[string]OU{}})
	objects.SetLastModified(CacheObjectKey, time.Now().Add(-2*time.Hour))

	service := &Service{
		Objects: objects,
		TTL:     time.Hour,
		Fetch: func(ctx context.Context) (*Inventory, error) {
			return fixture(), nil
		},
	}
	inv, err := service.Load(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, inv.Accounts, 3, "an expired cache must be refetched")

	// The refreshed inventory is written back to the cache.
	body, err := objects.Get(context.Background(), CacheObjectKey)
	require.NoError(t, err)
	var cached Inventory
	require.NoError(t, json.Unmarshal(body, &cached))
	assert.Len(t, cached.Accounts, 3)
}

func TestServiceForceRefresh(t *testing.T) {
	objects := store.NewMemory()
	cacheFixture(t, objects, &Inventory{Accounts: map[string]Account{}, OUs: map[string]OU{}})

	service := &Service{
		Objects: objects,
		TTL:     time.Hour,
		Fetch: func(ctx context.Context) (*Inventory, error) {
			return fixture(), nil
		},
	}
	inv, err := service.Load(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, inv.Accounts, 3)
}

func TestServiceUnavailableWithoutCache(t *testing.T) {
	service := &Service{
		Objects: store.NewMemory(),
		TTL:     time.Hour,
		Fetch: func(ctx context.Context) (*Inventory, error) {
			return nil, assert.AnError
		},
	}
	_, err := service.Load(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, model.KindInventoryUnavailable, model.KindOf(err))
}
