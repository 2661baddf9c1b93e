package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/rfontaine/kraken-ingest/internal/metrics"
	"github.com/rfontaine/kraken-ingest/internal/model"
)

// tradesPath is the public paginated trade-history endpoint.
const tradesPath = "/0/public/Trades"

// tradesResponse is the wire envelope for the Trades endpoint.
type tradesResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

// GetTradesPage fetches one page of historical trades for a pair.
//
// since is the pagination cursor in nanoseconds since epoch ("" for the
// start of a range). The returned cursor is the "last" token to pass as
// since on the next request. Kraken returns at most ~1000 trades per page.
func (c *Client) GetTradesPage(ctx context.Context, pair, since string) ([]model.Trade, string, error) {
	query := url.Values{}
	query.Set("pair", pair)
	if since != "" {
		query.Set("since", since)
	}

	body, err := c.doWithRetry(ctx, tradesPath, query)
	if err != nil {
		return nil, "", err
	}

	var resp tradesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("unmarshal response: %w", err)
	}

	if len(resp.Error) > 0 {
		return nil, "", &KrakenError{Errors: resp.Error}
	}

	var cursor string
	if raw, ok := resp.Result["last"]; ok {
		if err := json.Unmarshal(raw, &cursor); err != nil {
			return nil, "", fmt.Errorf("unmarshal last cursor: %w", err)
		}
	}

	// The trades live under the pair key, which Kraken spells in its own
	// canonical form. Take the first key that is not "last".
	var rawTrades json.RawMessage
	for key, raw := range resp.Result {
		if key != "last" {
			rawTrades = raw
			break
		}
	}
	if rawTrades == nil {
		return nil, cursor, nil
	}

	var entries [][]any
	if err := json.Unmarshal(rawTrades, &entries); err != nil {
		return nil, "", fmt.Errorf("unmarshal trades: %w", err)
	}

	trades := make([]model.Trade, 0, len(entries))
	for _, entry := range entries {
		trade, err := parseTradeEntry(pair, entry)
		if err != nil {
			// Data error: log and drop the record, never fail the page.
			c.logger.Warn("skipping malformed trade", "pair", pair, "error", err)
			metrics.ParseErrors.WithLabelValues("rest").Inc()
			continue
		}
		trades = append(trades, trade)
	}

	return trades, cursor, nil
}

// parseTradeEntry converts one wire entry to a Trade. The format is
// [price, volume, time, buy/sell, market/limit, misc, trade_id?] where
// price and volume are strings, time is fractional seconds, and the
// trailing trade id is present on newer API versions only.
func parseTradeEntry(pair string, entry []any) (model.Trade, error) {
	if len(entry) < 3 {
		return model.Trade{}, fmt.Errorf("trade entry has %d fields, want >= 3", len(entry))
	}

	priceStr, ok := entry[0].(string)
	if !ok {
		return model.Trade{}, fmt.Errorf("price is %T, want string", entry[0])
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return model.Trade{}, fmt.Errorf("parse price %q: %w", priceStr, err)
	}

	volumeStr, ok := entry[1].(string)
	if !ok {
		return model.Trade{}, fmt.Errorf("volume is %T, want string", entry[1])
	}
	volume, err := decimal.NewFromString(volumeStr)
	if err != nil {
		return model.Trade{}, fmt.Errorf("parse volume %q: %w", volumeStr, err)
	}
	if volume.IsNegative() {
		return model.Trade{}, fmt.Errorf("negative volume %s", volume)
	}

	seconds, ok := entry[2].(float64)
	if !ok {
		return model.Trade{}, fmt.Errorf("time is %T, want number", entry[2])
	}
	timestamp := int64(seconds * 1000)

	tradeID := ""
	if len(entry) >= 7 {
		if id, ok := entry[6].(float64); ok {
			tradeID = strconv.FormatInt(int64(id), 10)
		}
	}
	if tradeID == "" {
		tradeID = model.SynthesizeTradeID(pair, timestamp, price, volume)
	}

	return model.Trade{
		Pair:      pair,
		Price:     price,
		Volume:    volume,
		Timestamp: timestamp,
		TradeID:   tradeID,
		Source:    "rest",
	}, nil
}
