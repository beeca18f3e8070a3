package vaults

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"levfi/pkg/leverage"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultCacheTTL = 5 * time.Minute
)

// Metadata is the read-only description of one vault/strategy. The core
// consumes it and never mutates it.
type Metadata struct {
	Address              string          `json:"address"`
	Name                 string          `json:"name"`
	CollateralAsset      string          `json:"collateralAsset"`
	BorrowedAsset        string          `json:"borrowedAsset"`
	PrimaryBorrowedAsset string          `json:"primaryBorrowedAsset"`
	CollateralDecimals   uint8           `json:"collateralDecimals"`
	BorrowedDecimals     uint8           `json:"borrowedDecimals"`
	APR                  decimal.Decimal `json:"apr"`
	EndDate              time.Time       `json:"endDate"`
	SpreadFee            decimal.Decimal `json:"spreadFee"`
	ProtocolFee          decimal.Decimal `json:"protocolFee"`
	LiquidationFee       decimal.Decimal `json:"liquidationFee"`
	LeverageMin          int64           `json:"leverageMin,omitempty"`
	LeverageMax          int64           `json:"leverageMax,omitempty"`
	StrategyAsset        bool            `json:"strategyAsset"`
}

// Bounds derives the leverage bounds for this vault, applying its overrides
// when present
func (m *Metadata) Bounds() leverage.Bounds {
	var override *leverage.Bounds
	if m.LeverageMin != 0 || m.LeverageMax != 0 {
		override = &leverage.Bounds{Min: m.LeverageMin, Max: m.LeverageMax}
	}
	return leverage.GetBounds(m.CollateralAsset, m.PrimaryBorrowedAsset, override)
}

// Fees bundles the vault's fee parameters for the liquidation estimate
func (m *Metadata) Fees() leverage.FeeParams {
	return leverage.FeeParams{
		SpreadFee:      m.SpreadFee,
		ProtocolFee:    m.ProtocolFee,
		LiquidationFee: m.LiquidationFee,
	}
}

// Provider fetches vault metadata over HTTP and caches it for a TTL
type Provider struct {
	http *resty.Client
	ttl  time.Duration
	log  *logrus.Entry

	mu        sync.Mutex
	cached    []Metadata
	fetchedAt time.Time
}

// NewProvider creates a metadata provider for the given API base URL
func NewProvider(baseURL string, log *logrus.Logger) *Provider {
	return &Provider{
		http: resty.New().SetBaseURL(baseURL).SetTimeout(defaultTimeout),
		ttl:  defaultCacheTTL,
		log:  log.WithField("component", "vaults"),
	}
}

// SetCacheTTL overrides how long a fetched list is reused
func (p *Provider) SetCacheTTL(ttl time.Duration) {
	p.ttl = ttl
}

// List returns all vaults, refreshing the cache when it has expired
func (p *Provider) List(ctx context.Context) ([]Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && time.Since(p.fetchedAt) < p.ttl {
		return p.cached, nil
	}

	var out []Metadata
	resp, err := p.http.R().SetContext(ctx).SetResult(&out).Get("/v1/vaults")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch vault metadata: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("vault metadata API returned status %d", resp.StatusCode())
	}

	p.cached = out
	p.fetchedAt = time.Now()
	p.log.WithField("count", len(out)).Debug("vault metadata refreshed")

	return out, nil
}

// Invalidate drops the cached list so the next read refetches. It satisfies
// the transaction driver's invalidator; the scopes are advisory.
func (p *Provider) Invalidate(scopes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
	p.fetchedAt = time.Time{}
}

// Get returns the metadata for one vault address
func (p *Provider) Get(ctx context.Context, address string) (*Metadata, error) {
	list, err := p.List(ctx)
	if err != nil {
		return nil, err
	}

	for i := range list {
		if strings.EqualFold(list[i].Address, address) {
			return &list[i], nil
		}
	}

	return nil, fmt.Errorf("vault '%s' not found", address)
}
