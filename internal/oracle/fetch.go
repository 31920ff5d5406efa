package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultPriceAPIURL is the public CoinGecko v3 endpoint.
const DefaultPriceAPIURL = "https://api.coingecko.com/api/v3"

// NewHTTPNativeFetcher returns a NativePriceFunc quoting native-token USD
// prices from a CoinGecko-compatible simple-price API. ids maps a network
// to the API's asset id (ethereum, okb, ...); networks without an id
// return an error so the oracle falls back.
func NewHTTPNativeFetcher(baseURL string, ids map[string]string, client *http.Client) NativePriceFunc {
	if baseURL == "" {
		baseURL = DefaultPriceAPIURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return func(ctx context.Context, network string) (float64, error) {
		id, ok := ids[network]
		if !ok {
			return 0, fmt.Errorf("no price feed id for %s", network)
		}

		endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd",
			baseURL, url.QueryEscape(id))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return 0, fmt.Errorf("price fetch failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("price API returned %d", resp.StatusCode)
		}

		var quotes map[string]struct {
			USD float64 `json:"usd"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
			return 0, fmt.Errorf("malformed price response: %w", err)
		}
		price := quotes[id].USD
		if price <= 0 {
			return 0, fmt.Errorf("no usd quote for %s", id)
		}
		return price, nil
	}
}
