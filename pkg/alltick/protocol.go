package alltick

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	CmdHeartbeat = 22000
	CmdSubscribe = 22002
	CmdTick      = 22999
)

// DefaultDepth asks the vendor for the top of book only.
const DefaultDepth = 1

// seqID is echoed back by the vendor; it carries no meaning for us.
const seqID = 123

type Frame struct {
	CmdID int             `json:"cmd_id"`
	SeqID int             `json:"seq_id"`
	Trace string          `json:"trace"`
	Data  json.RawMessage `json:"data"`
}

type symbol struct {
	Code       string `json:"code"`
	DepthLevel int    `json:"depth_level"`
}

type subscribeData struct {
	SymbolList []symbol `json:"symbol_list"`
}

// Tick is the payload of a 22999 frame.
type Tick struct {
	Code     string              `json:"code"`
	Seq      FlexString          `json:"seq"`
	TickTime FlexString          `json:"tick_time"`
	Bids     []models.PriceLevel `json:"bids"`
	Asks     []models.PriceLevel `json:"asks"`
}

// FlexString accepts both JSON strings and numbers; the vendor is not
// consistent about seq and tick_time.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// Trace builds a trace tag such as "forex-heartbeat-1b4e...".
func Trace(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func HeartbeatFrame(trace string) ([]byte, error) {
	return json.Marshal(Frame{
		CmdID: CmdHeartbeat,
		SeqID: seqID,
		Trace: trace,
		Data:  json.RawMessage("{}"),
	})
}

func SubscribeFrame(trace string, codes []string, depth int) ([]byte, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("subscribe: no codes")
	}
	if depth <= 0 {
		depth = DefaultDepth
	}
	list := make([]symbol, 0, len(codes))
	for _, c := range codes {
		list = append(list, symbol{Code: c, DepthLevel: depth})
	}
	data, err := json.Marshal(subscribeData{SymbolList: list})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{
		CmdID: CmdSubscribe,
		SeqID: seqID,
		Trace: trace,
		Data:  data,
	})
}

// DecodeTick parses a raw frame. ok is false for any frame that is not a
// tick update; err is set only for malformed input.
func DecodeTick(raw []byte) (Tick, bool, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Tick{}, false, fmt.Errorf("decode frame: %w", err)
	}
	if frame.CmdID != CmdTick {
		return Tick{}, false, nil
	}
	var tick Tick
	if err := json.Unmarshal(frame.Data, &tick); err != nil {
		return Tick{}, false, fmt.Errorf("decode tick: %w", err)
	}
	if tick.Code == "" {
		return Tick{}, false, fmt.Errorf("decode tick: missing code")
	}
	return tick, true, nil
}

// Quote reduces the tick to its best bid and ask. An empty side reads as zero.
func (t Tick) Quote(receivedAt time.Time) models.Quote {
	q := models.Quote{
		Code:       t.Code,
		Bid:        decimal.Zero,
		Ask:        decimal.Zero,
		TickTime:   string(t.TickTime),
		Seq:        string(t.Seq),
		ReceivedAt: receivedAt,
	}
	if len(t.Bids) > 0 {
		q.Bid = t.Bids[0].Price
	}
	if len(t.Asks) > 0 {
		q.Ask = t.Asks[0].Price
	}
	return q
}

// SeqBefore reports whether seq a is strictly older than b. Non-numeric
// values never compare as older.
func SeqBefore(a, b string) bool {
	x, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return false
	}
	y, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return false
	}
	return x < y
}
