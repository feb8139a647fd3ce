package alltick

import (
	"net/url"
	"sort"
	"strings"

	"github.com/gregtusar/tradedesk/pkg/models"
)

const (
	DefaultStockURL = "wss://quote.tradeswitcher.com/quote-stock-b-ws-api"
	DefaultIndexURL = "wss://quote.tradeswitcher.com/quote-b-ws-api"
)

var instruments = map[models.Feed][]string{
	models.FeedForex: {
		// majors
		"EURUSD", "USDJPY", "GBPUSD", "USDCHF", "USDCAD", "AUDUSD", "NZDUSD", "EURGBP",
		// exotics
		"USDHKD", "USDSGD", "USDTHB", "USDCNH",
		// minors
		"EURAUD", "EURCAD", "EURNZD", "EURCHF", "GBPJPY", "GBPCAD", "GBPAUD", "AUDCAD",
		"AUDJPY", "AUDNZD", "CADJPY", "NZDJPY", "CHFJPY", "GBPNZD",
	},
	models.FeedCrypto: {
		"BTC/USDT", "ETH/USDT", "BNB/USDT", "XRP/USDT", "SOL/USDT", "ADA/USDT", "DOGE/USDT",
		"AVAX/USDT", "DOT/USDT", "LINK/USDT", "MEME/USDT", "SHIB/USDT", "LTC/USDT", "UNI/USDT",
		"ATOM/USDT", "PEPE/USDT", "ARB/USDT", "OP/USDT", "APT/USDT", "FIL/USDT", "NEAR/USDT",
		"ALGO/USDT", "XLM/USDT", "VET/USDT", "TRUMP/USDT",
	},
	models.FeedCommodity: {
		"GOLD", "SILVER", "COPPER", "NGAS", "USOIL", "UKOIL",
	},
	models.FeedStocks: {
		"AAPL.US", "MSFT.US", "GOOGL.US", "AMZN.US", "META.US", "TSLA.US", "NVDA.US",
		"INTC.US", "ADBE.US", "TSM.US", "JPM.US", "V.US", "WMT.US", "JNJ.US", "PG.US",
		"NVO.US", "PEP.US", "COST.US", "AVGO.US", "CVX.US", "HD.US", "ORCL.US", "ASML.US",
		"ABBV.US", "TM.US",
		// indices trade on the general endpoint
		"NAS100", "FRA40", "XETR", "US500", "US30", "UK100", "HK50", "JPN225",
	},
}

// Pairs returns the display pairs of a feed. The slice is a copy.
func Pairs(feed models.Feed) []string {
	return append([]string(nil), instruments[feed]...)
}

// VendorCode converts a display pair to the code the vendor expects.
// Only crypto pairs carry a slash.
func VendorCode(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

// Endpoints maps vendor endpoint base URLs to the query token.
type Endpoints struct {
	StockURL string
	IndexURL string
	Token    string
}

// For returns the full connection URL that serves code.
func (e Endpoints) For(code string) string {
	base := e.IndexURL
	if strings.HasSuffix(code, ".US") {
		base = e.StockURL
	}
	return withToken(base, e.Token)
}

// Group partitions vendor codes by the endpoint URL that serves them.
// Codes within a group keep their input order, duplicates removed.
func (e Endpoints) Group(codes []string) map[string][]string {
	out := make(map[string][]string)
	seen := make(map[string]bool)
	for _, c := range codes {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		u := e.For(c)
		out[u] = append(out[u], c)
	}
	return out
}

// FeedCodes returns the vendor codes for every instrument of a feed.
func FeedCodes(feed models.Feed) []string {
	pairs := instruments[feed]
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, VendorCode(p))
	}
	return out
}

// SortedKeys is a small helper for deterministic iteration over Group.
func SortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func withToken(base, token string) string {
	if token == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
