// Package coingecko implements the CoinGecko source adapter.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/httpx"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source"
)

// defaultCoinIDs maps asset symbols to CoinGecko coin IDs.
var defaultCoinIDs = map[string]string{
	"BTC": "bitcoin",
	"ETH": "ethereum",
}

type Config struct {
	Name    string
	BaseURL string
	// CoinIDs overrides the built-in symbol -> coin ID mapping.
	CoinIDs map[string]string
}

type Client struct {
	cfg    Config
	client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Client {
	if cfg.Name == "" {
		cfg.Name = "coingecko"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.CoinIDs == nil {
		cfg.CoinIDs = defaultCoinIDs
	}
	return &Client{cfg: cfg, client: hc}
}

func (c *Client) Name() string { return c.cfg.Name }

// FetchPrices calls /simple/price for the asset's coin ID. CoinGecko quotes
// in lowercase fiat currencies.
func (c *Client) FetchPrices(ctx context.Context, asset, quote string) ([]domain.PricePoint, error) {
	coinID, ok := c.cfg.CoinIDs[strings.ToUpper(asset)]
	if !ok {
		return nil, source.ErrUnknownAsset(c.cfg.Name, asset)
	}
	vs := strings.ToLower(quote)

	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=%s",
		c.cfg.BaseURL, url.QueryEscape(coinID), url.QueryEscape(vs))
	resp, err := c.client.Get(ctx, u)
	if err != nil {
		return nil, source.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	if err := source.ClassifyStatus(resp); err != nil {
		return nil, err
	}

	// {"bitcoin":{"usd":50000.12}}
	var payload map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, domain.Permanent(fmt.Errorf("%s: decode: %w", c.cfg.Name, err))
	}
	quotes, ok := payload[coinID]
	if !ok {
		return nil, domain.Permanent(fmt.Errorf("%s: coin %q missing from response", c.cfg.Name, coinID))
	}
	raw, ok := quotes[vs]
	if !ok {
		return nil, source.ErrUnsupportedQuote(c.cfg.Name, quote)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("%s: parse price %q: %w", c.cfg.Name, raw.String(), err))
	}

	now := time.Now().UTC()
	point := domain.PricePoint{
		Asset:      strings.ToUpper(asset),
		Quote:      strings.ToUpper(quote),
		Source:     c.cfg.Name,
		Timestamp:  now,
		Price:      price,
		IngestedAt: now,
	}
	return []domain.PricePoint{point.Normalize()}, nil
}
