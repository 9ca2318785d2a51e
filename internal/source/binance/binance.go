// Package binance implements the Binance ticker source adapter.
// Binance has no direct USD market; USD quotes are served from the USDT pair.
package binance

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

var supportedAssets = map[string]struct{}{
	"BTC": {},
	"ETH": {},
}

type Config struct {
	Name    string
	BaseURL string
	Assets  []string
}

type Client struct {
	cfg    Config
	assets map[string]struct{}
	client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Client {
	if cfg.Name == "" {
		cfg.Name = "binance"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	assets := supportedAssets
	if len(cfg.Assets) > 0 {
		assets = make(map[string]struct{}, len(cfg.Assets))
		for _, a := range cfg.Assets {
			assets[strings.ToUpper(a)] = struct{}{}
		}
	}
	return &Client{cfg: cfg, assets: assets, client: hc}
}

func (c *Client) Name() string { return c.cfg.Name }

// FetchPrices calls /api/v3/ticker/price for the trading symbol.
func (c *Client) FetchPrices(ctx context.Context, asset, quote string) ([]domain.PricePoint, error) {
	asset = strings.ToUpper(asset)
	quote = strings.ToUpper(quote)
	if _, ok := c.assets[asset]; !ok {
		return nil, source.ErrUnknownAsset(c.cfg.Name, asset)
	}
	symbolQuote := quote
	if symbolQuote == "USD" {
		symbolQuote = "USDT"
	}

	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s",
		c.cfg.BaseURL, url.QueryEscape(asset+symbolQuote))
	resp, err := c.client.Get(ctx, u)
	if err != nil {
		return nil, source.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	if err := source.ClassifyStatus(resp); err != nil {
		return nil, err
	}

	// {"symbol":"BTCUSDT","price":"50000.12000000"}
	var payload struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, domain.Permanent(fmt.Errorf("%s: decode: %w", c.cfg.Name, err))
	}
	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("%s: parse price %q: %w", c.cfg.Name, payload.Price, err))
	}

	now := time.Now().UTC()
	point := domain.PricePoint{
		Asset:      asset,
		Quote:      quote,
		Source:     c.cfg.Name,
		Timestamp:  now,
		Price:      price,
		IngestedAt: now,
	}
	return []domain.PricePoint{point.Normalize()}, nil
}
