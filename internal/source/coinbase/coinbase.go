// Package coinbase implements the Coinbase spot-price source adapter.
package coinbase

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

// supportedAssets lists the assets the adapter will ask Coinbase for.
var supportedAssets = map[string]struct{}{
	"BTC": {},
	"ETH": {},
}

type Config struct {
	Name    string
	BaseURL string
	// Assets overrides the built-in supported asset set.
	Assets []string
}

type Client struct {
	cfg    Config
	assets map[string]struct{}
	client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Client {
	if cfg.Name == "" {
		cfg.Name = "coinbase"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.coinbase.com"
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

// FetchPrices calls /v2/prices/{asset}-{quote}/spot. Coinbase returns the
// amount as a decimal string.
func (c *Client) FetchPrices(ctx context.Context, asset, quote string) ([]domain.PricePoint, error) {
	asset = strings.ToUpper(asset)
	quote = strings.ToUpper(quote)
	if _, ok := c.assets[asset]; !ok {
		return nil, source.ErrUnknownAsset(c.cfg.Name, asset)
	}

	u := fmt.Sprintf("%s/v2/prices/%s/spot", c.cfg.BaseURL, url.PathEscape(asset+"-"+quote))
	resp, err := c.client.Get(ctx, u)
	if err != nil {
		return nil, source.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	if err := source.ClassifyStatus(resp); err != nil {
		return nil, err
	}

	// {"data":{"amount":"50000.00","base":"BTC","currency":"USD"}}
	var payload struct {
		Data struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, domain.Permanent(fmt.Errorf("%s: decode: %w", c.cfg.Name, err))
	}
	price, err := decimal.NewFromString(payload.Data.Amount)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("%s: parse amount %q: %w", c.cfg.Name, payload.Data.Amount, err))
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
