package alltick

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestKlineLatestPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "key" {
			t.Errorf("token=%q", r.URL.Query().Get("token"))
		}
		var q struct {
			Data map[string]string `json:"data"`
		}
		if err := json.Unmarshal([]byte(r.URL.Query().Get("query")), &q); err != nil {
			t.Errorf("query: %v", err)
		}
		switch q.Data["code"] {
		case "BTCUSDT":
			io.WriteString(w, `{"ret":200,"msg":"ok","data":{"code":"BTCUSDT","kline_list":[{"timestamp":"1700000000","close_price":"64123.5"}]}}`)
		case "EMPTY":
			io.WriteString(w, `{"ret":200,"data":{"kline_list":[]}}`)
		default:
			io.WriteString(w, `{"ret":600,"msg":"code invalid"}`)
		}
	}))
	defer srv.Close()

	k := NewKlineClient(srv.URL, "key")
	ctx := context.Background()

	price, err := k.LatestPrice(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("64123.5")) {
		t.Fatalf("price=%s", price)
	}

	for _, code := range []string{"EMPTY", "NOPE", ""} {
		if _, err := k.LatestPrice(ctx, code); err == nil {
			t.Errorf("%q: expected error", code)
		}
	}

	if _, err := NewKlineClient(srv.URL, "").LatestPrice(ctx, "BTCUSDT"); err == nil {
		t.Error("expected error without token")
	}
}
