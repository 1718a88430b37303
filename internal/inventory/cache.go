package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/orgdeploy-io/orgdeploy/internal/logging"
	"github.com/orgdeploy-io/orgdeploy/internal/model"
	"github.com/orgdeploy-io/orgdeploy/internal/store"
)

// CacheObjectKey is the object key of the cached inventory.
const CacheObjectKey = "orga.json"

// Service loads the inventory, serving it from the object-store cache
// while the cached copy is younger than the TTL.
type Service struct {
	Objects store.ObjectStore
	Fetch   func(ctx context.Context) (*Inventory, error)
	TTL     time.Duration
}

// Load returns the inventory, from the cache when it is fresh enough
// and forceRefresh is not set, otherwise from the fetcher, rewriting
// the cache afterwards.
func (s *Service) Load(ctx context.Context, forceRefresh bool) (*Inventory, error) {
	if forceRefresh {
		logging.Debug("ignoring the inventory cache and querying the organization")
	} else if inv, ok := s.loadFromCache(ctx); ok {
		return inv, nil
	}

	inv, err := s.Fetch(ctx)
	if err != nil {
		return nil, model.Wrap(model.KindInventoryUnavailable, err,
			"cannot query the organization and no valid cache exists")
	}
	body, err := json.MarshalIndent(inv, "", "    ")
	if err != nil {
		return nil, err
	}
	if err := s.Objects.Put(ctx, CacheObjectKey, body); err != nil {
		logging.Warn("failed to update the inventory cache", "error", err)
	}
	return inv, nil
}

func (s *Service) loadFromCache(ctx context.Context) (*Inventory, bool) {
	modified, err := s.Objects.LastModified(ctx, CacheObjectKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotExist) {
			logging.Warn("failed to check the inventory cache", "error", err)
		}
		return nil, false
	}
	if age := time.Since(modified); age > s.TTL {
		logging.Debug("the inventory cache has expired", "age", age)
		return nil, false
	}
	body, err := s.Objects.Get(ctx, CacheObjectKey)
	if err != nil {
		logging.Warn("failed to read the inventory cache", "error", err)
		return nil, false
	}
	var inv Inventory
	if err := json.Unmarshal(body, &inv); err != nil {
		logging.Warn("the inventory cache is malformed", "error", err)
		return nil, false
	}
	logging.Info("loaded accounts and organizational units from the inventory cache")
	return &inv, true
}
