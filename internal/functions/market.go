package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// SupportedCrypto maps ticker symbols to CoinGecko coin ids.
var SupportedCrypto = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"ADA":  "cardano",
	"DOT":  "polkadot",
	"LINK": "chainlink",
	"UNI":  "uniswap",
	"LTC":  "litecoin",
	"BCH":  "bitcoin-cash",
	"XRP":  "ripple",
	"SOL":  "solana",
}

var SupportedForex = []string{
	"EUR/USD", "GBP/USD", "USD/JPY", "USD/CHF",
	"AUD/USD", "USD/CAD", "NZD/USD", "EUR/GBP",
	"EUR/JPY", "GBP/JPY",
}

type CryptoQuote struct {
	Symbol    string    `json:"symbol"`
	PriceUSD  float64   `json:"price_usd"`
	PriceEUR  float64   `json:"price_eur"`
	Change24h float64   `json:"change_24h"`
	Volume24h float64   `json:"volume_24h"`
	MarketCap float64   `json:"market_cap"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type ForexQuote struct {
	Pair      string    `json:"pair"`
	Rate      float64   `json:"rate"`
	Base      string    `json:"base_currency"`
	Target    string    `json:"target_currency"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// PriceFeed is the market-data upstream used by the price functions.
type PriceFeed interface {
	CryptoQuote(ctx context.Context, symbol, coinID string) (*CryptoQuote, error)
	ForexQuote(ctx context.Context, base, target string) (*ForexQuote, error)
}

// HTTPPriceFeed reads crypto quotes from CoinGecko and forex rates from
// ExchangeRate-API.
type HTTPPriceFeed struct {
	client       *http.Client
	coinGeckoURL string
	exchangeURL  string
}

func NewHTTPPriceFeed(coinGeckoURL, exchangeURL string, timeout time.Duration) *HTTPPriceFeed {
	return &HTTPPriceFeed{
		client:       &http.Client{Timeout: timeout},
		coinGeckoURL: strings.TrimRight(coinGeckoURL, "/"),
		exchangeURL:  strings.TrimRight(exchangeURL, "/"),
	}
}

func (f *HTTPPriceFeed) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: unexpected status %d", req.URL.Host, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Host, err)
	}
	return nil
}

func (f *HTTPPriceFeed) CryptoQuote(ctx context.Context, symbol, coinID string) (*CryptoQuote, error) {
	params := url.Values{}
	params.Set("ids", coinID)
	params.Set("vs_currencies", "usd,eur")
	params.Set("include_24hr_change", "true")
	params.Set("include_24hr_vol", "true")
	params.Set("include_market_cap", "true")

	var body map[string]map[string]float64
	if err := f.getJSON(ctx, f.coinGeckoURL+"/simple/price?"+params.Encode(), &body); err != nil {
		return nil, err
	}

	data, ok := body[coinID]
	if !ok || len(data) == 0 {
		return nil, fmt.Errorf("no market data for %s", symbol)
	}

	return &CryptoQuote{
		Symbol:    symbol,
		PriceUSD:  data["usd"],
		PriceEUR:  data["eur"],
		Change24h: data["usd_24h_change"],
		Volume24h: data["usd_24h_vol"],
		MarketCap: data["usd_market_cap"],
		Timestamp: time.Now().UTC(),
		Source:    "CoinGecko",
	}, nil
}

func (f *HTTPPriceFeed) ForexQuote(ctx context.Context, base, target string) (*ForexQuote, error) {
	var body struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := f.getJSON(ctx, f.exchangeURL+"/latest/"+url.PathEscape(base), &body); err != nil {
		return nil, err
	}

	rate, ok := body.Rates[target]
	if !ok {
		return nil, fmt.Errorf("no rate for %s/%s", base, target)
	}

	return &ForexQuote{
		Pair:      base + "/" + target,
		Rate:      rate,
		Base:      base,
		Target:    target,
		Timestamp: time.Now().UTC(),
		Source:    "ExchangeRate-API",
	}, nil
}

type market struct {
	feed PriceFeed
}

func normalizePair(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(pair), " ", ""))
}

func isSupportedPair(pair string) bool {
	for _, p := range SupportedForex {
		if p == pair {
			return true
		}
	}
	return false
}

func cryptoSymbols() []string {
	symbols := make([]string, 0, len(SupportedCrypto))
	for s := range SupportedCrypto {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

type cryptoPriceArgs struct {
	Symbol string `json:"symbol"`
}

func cryptoPriceFunction(m *market) function {
	return typed[cryptoPriceArgs]{
		def: Definition{
			Name:        GetCryptoPrice,
			Description: "Get the current price of a cryptocurrency in real time",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"symbol": map[string]any{
						"type":        "string",
						"description": "Cryptocurrency ticker (e.g. BTC, ETH, ADA)",
						"enum":        cryptoSymbols(),
					},
				},
				"required": []string{"symbol"},
			},
		},
		validate: func(a *cryptoPriceArgs) error {
			a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
			if a.Symbol == "" {
				return missingArgument("symbol")
			}
			if _, ok := SupportedCrypto[a.Symbol]; !ok {
				return unsupportedSymbol(a.Symbol)
			}
			return nil
		},
		run: func(ctx context.Context, a cryptoPriceArgs) (any, error) {
			return m.feed.CryptoQuote(ctx, a.Symbol, SupportedCrypto[a.Symbol])
		},
	}
}

type forexPriceArgs struct {
	Pair string `json:"pair"`
}

func forexPriceFunction(m *market) function {
	return typed[forexPriceArgs]{
		def: Definition{
			Name:        GetForexPrice,
			Description: "Get the current exchange rate of a currency pair in real time",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pair": map[string]any{
						"type":        "string",
						"description": "Currency pair (e.g. EUR/USD, GBP/USD)",
						"enum":        SupportedForex,
					},
				},
				"required": []string{"pair"},
			},
		},
		validate: func(a *forexPriceArgs) error {
			a.Pair = normalizePair(a.Pair)
			if a.Pair == "" {
				return missingArgument("pair")
			}
			if !isSupportedPair(a.Pair) {
				return unsupportedSymbol(a.Pair)
			}
			return nil
		},
		run: func(ctx context.Context, a forexPriceArgs) (any, error) {
			parts := strings.SplitN(a.Pair, "/", 2)
			return m.feed.ForexQuote(ctx, parts[0], parts[1])
		},
	}
}

type Sentiment struct {
	Asset      string    `json:"asset"`
	Sentiment  string    `json:"sentiment"`
	Confidence float64   `json:"confidence"`
	Basis      string    `json:"basis"`
	Timestamp  time.Time `json:"timestamp"`
}

// Thresholds on the 24h change, in percent.
const (
	bullishThreshold = 2.0
	bearishThreshold = -2.0
)

func classifyChange(change float64) (string, float64) {
	switch {
	case change > bullishThreshold:
		return "bullish", confidenceFor(change - bullishThreshold)
	case change < bearishThreshold:
		return "bearish", confidenceFor(bearishThreshold - change)
	default:
		return "neutral", 0.5
	}
}

// confidenceFor grows with distance past the threshold and saturates at 0.95.
func confidenceFor(excess float64) float64 {
	c := 0.6 + excess*0.05
	if c > 0.95 {
		c = 0.95
	}
	return c
}

type sentimentArgs struct {
	Asset string `json:"asset"`
}

func sentimentFunction(m *market) function {
	return typed[sentimentArgs]{
		def: Definition{
			Name:        GetMarketSentiment,
			Description: "Get the current market sentiment for an asset",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"asset": map[string]any{
						"type":        "string",
						"description": "Asset symbol (e.g. BTC, EUR/USD)",
					},
				},
				"required": []string{"asset"},
			},
		},
		validate: func(a *sentimentArgs) error {
			a.Asset = strings.ToUpper(strings.TrimSpace(a.Asset))
			if a.Asset == "" {
				return missingArgument("asset")
			}
			return nil
		},
		run: func(ctx context.Context, a sentimentArgs) (any, error) {
			coinID, ok := SupportedCrypto[a.Asset]
			if !ok {
				// No momentum source for this asset.
				return &Sentiment{
					Asset:      a.Asset,
					Sentiment:  "neutral",
					Confidence: 0.3,
					Basis:      "no momentum data available",
					Timestamp:  time.Now().UTC(),
				}, nil
			}

			quote, err := m.feed.CryptoQuote(ctx, a.Asset, coinID)
			if err != nil {
				return nil, err
			}
			label, confidence := classifyChange(quote.Change24h)
			return &Sentiment{
				Asset:      a.Asset,
				Sentiment:  label,
				Confidence: confidence,
				Basis:      fmt.Sprintf("24h change %.2f%%", quote.Change24h),
				Timestamp:  time.Now().UTC(),
			}, nil
		},
	}
}
