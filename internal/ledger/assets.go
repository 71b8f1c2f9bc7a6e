package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ksred/bracketd/internal/types"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm/clause"
)

// assetCache is a read-through cache keyed by symbol. The database stays the
// source of truth; every write through the Store drops the cached entry.
type assetCache struct {
	mu    sync.RWMutex
	items map[string]types.Asset
	group singleflight.Group
}

func newAssetCache() *assetCache {
	return &assetCache{items: make(map[string]types.Asset)}
}

func (c *assetCache) get(symbol string) (types.Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.items[symbol]
	return a, ok
}

func (c *assetCache) put(a types.Asset) {
	c.mu.Lock()
	c.items[a.Symbol] = a
	c.mu.Unlock()
}

func (c *assetCache) drop(symbols ...string) {
	c.mu.Lock()
	for _, s := range symbols {
		delete(c.items, s)
	}
	c.mu.Unlock()
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// UpsertAsset inserts or updates an asset by symbol.
func (s *Store) UpsertAsset(ctx context.Context, asset *types.Asset) error {
	asset.Symbol = normalizeSymbol(asset.Symbol)
	if asset.Leverage <= 0 {
		asset.Leverage = 1
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled", "leverage", "price_precision", "quantity_precision", "updated_at",
		}),
	}).Create(asset).Error
	s.assets.drop(asset.Symbol)
	return err
}

// GetAsset resolves an enabled asset by symbol.
func (s *Store) GetAsset(ctx context.Context, symbol string) (*types.Asset, error) {
	symbol = normalizeSymbol(symbol)
	if a, ok := s.assets.get(symbol); ok {
		return &a, nil
	}
	v, err, _ := s.assets.group.Do(symbol, func() (interface{}, error) {
		var asset types.Asset
		if err := s.db.WithContext(ctx).
			Where("symbol = ? AND enabled = ?", symbol, true).
			First(&asset).Error; err != nil {
			return nil, notFound(err)
		}
		s.assets.put(asset)
		return asset, nil
	})
	if err != nil {
		return nil, err
	}
	asset := v.(types.Asset)
	return &asset, nil
}

// ListEnabledSymbols returns the symbols the engine trades.
func (s *Store) ListEnabledSymbols(ctx context.Context) ([]string, error) {
	var symbols []string
	err := s.db.WithContext(ctx).Model(&types.Asset{}).
		Where("enabled = ?", true).
		Order("symbol").
		Pluck("symbol", &symbols).Error
	return symbols, err
}

// SetAssetLeverage records the leverage currently configured on the exchange.
func (s *Store) SetAssetLeverage(ctx context.Context, symbol string, leverage int) error {
	symbol = normalizeSymbol(symbol)
	err := s.db.WithContext(ctx).Model(&types.Asset{}).
		Where("symbol = ?", symbol).
		Update("leverage", leverage).Error
	s.assets.drop(symbol)
	return err
}

// UpdateLastPrices stores the latest observed price for every known symbol in
// prices. Unknown symbols are ignored.
func (s *Store) UpdateLastPrices(ctx context.Context, prices map[string]float64, at time.Time) error {
	if len(prices) == 0 {
		return nil
	}
	var symbols []string
	if err := s.db.WithContext(ctx).Model(&types.Asset{}).
		Where("enabled = ?", true).
		Pluck("symbol", &symbols).Error; err != nil {
		return err
	}
	for _, symbol := range symbols {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			continue
		}
		if err := s.db.WithContext(ctx).Model(&types.Asset{}).
			Where("symbol = ?", symbol).
			Updates(map[string]interface{}{
				"last_price":    price,
				"last_price_at": at,
			}).Error; err != nil {
			return err
		}
	}
	s.assets.drop(symbols...)
	return nil
}
