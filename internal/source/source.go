// Package source defines the market-data source capability consumed by the
// ingestion workers, plus helpers shared by the concrete adapters.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
)

// Source fetches the current price observations for one (asset, quote) pair.
// Errors are typed: transient failures (network, timeout, rate limit, 5xx)
// carry domain.TransientFetchError, anything retrying cannot fix
// (unknown asset, malformed response) carries domain.PermanentFetchError.
//
//go:generate mockgen -package=ingest_test -destination=../ingest/mock_source_test.go -source=source.go Source
type Source interface {
	Name() string
	FetchPrices(ctx context.Context, asset, quote string) ([]domain.PricePoint, error)
}

// ClassifyStatus turns a non-2xx upstream response into a typed fetch error.
// Rate limits and server errors are worth retrying; other client errors
// are not.
func ClassifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
	err := fmt.Errorf("%s %s -> %d: %s", resp.Request.Method, resp.Request.URL, resp.StatusCode, body)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return domain.Transient(err)
	}
	return domain.Permanent(err)
}

// ClassifyTransport wraps a transport-level failure (dial, TLS, timeout) as
// transient. Context cancellation passes through untouched so callers can
// tell shutdown apart from upstream trouble.
func ClassifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.Transient(err)
}

// ErrUnknownAsset builds the permanent error for an asset a source does not
// serve.
func ErrUnknownAsset(source, asset string) error {
	return domain.Permanent(fmt.Errorf("%s: unknown asset %q", source, asset))
}

// ErrUnsupportedQuote builds the permanent error for a quote currency a
// source does not serve.
func ErrUnsupportedQuote(source, quote string) error {
	return domain.Permanent(fmt.Errorf("%s: unsupported quote %q", source, quote))
}
