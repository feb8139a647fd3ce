package alltick

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultKlineURL = "https://quote.alltick.io/quote-b-api/kline"

// klineDaily is the vendor's kline_type for one-day candles.
const klineDaily = "8"

type Kline struct {
	Timestamp  FlexString      `json:"timestamp"`
	OpenPrice  decimal.Decimal `json:"open_price"`
	ClosePrice decimal.Decimal `json:"close_price"`
	HighPrice  decimal.Decimal `json:"high_price"`
	LowPrice   decimal.Decimal `json:"low_price"`
	Volume     decimal.Decimal `json:"volume"`
}

type klineResponse struct {
	Ret  int    `json:"ret"`
	Msg  string `json:"msg"`
	Data struct {
		Code      string  `json:"code"`
		KlineList []Kline `json:"kline_list"`
	} `json:"data"`
}

// KlineClient queries the vendor's REST candle endpoint.
type KlineClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewKlineClient(baseURL, token string) *KlineClient {
	if baseURL == "" {
		baseURL = DefaultKlineURL
	}
	return &KlineClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// LatestPrice returns the close of the most recent daily candle for code.
func (k *KlineClient) LatestPrice(ctx context.Context, code string) (decimal.Decimal, error) {
	if k.token == "" {
		return decimal.Zero, fmt.Errorf("market data token not configured")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return decimal.Zero, fmt.Errorf("code is required")
	}

	query, err := json.Marshal(map[string]any{
		"trace": Trace("tradedesk-kline"),
		"data": map[string]string{
			"code":                code,
			"kline_type":          klineDaily,
			"kline_timestamp_end": "0",
			"query_kline_num":     "1",
			"adjust_type":         "0",
		},
	})
	if err != nil {
		return decimal.Zero, err
	}

	v := url.Values{}
	v.Set("token", k.token)
	v.Set("query", string(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+"?"+v.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("kline request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("kline request: status %d", resp.StatusCode)
	}

	var body klineResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode kline: %w", err)
	}
	if body.Ret != 200 {
		return decimal.Zero, fmt.Errorf("kline %s: ret %d: %s", code, body.Ret, body.Msg)
	}
	if len(body.Data.KlineList) == 0 {
		return decimal.Zero, fmt.Errorf("kline %s: no candles", code)
	}
	return body.Data.KlineList[0].ClosePrice, nil
}
