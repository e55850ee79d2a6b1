package broker

import (
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// ExecutedOrder is one row of the daily execution inquiry.
type ExecutedOrder struct {
	OrderNo      string
	Symbol       string
	Side         models.Side
	OrderedQty   int64
	FilledQty    int64
	RemainingQty int64
	AvgPrice     float64
	OrderedAt    time.Time
}

// ExecutionResult is the outcome of waiting for an order to fill.
type ExecutionResult struct {
	Status    models.OrderStatus // FILLED, PARTIAL or CANCELLED
	ExecQty   int64
	ExecPrice float64
	Fills     []models.Fill
}

// Holding is one position in the broker's account of record.
type Holding struct {
	Symbol       string
	Name         string
	Quantity     int64
	AvgPrice     float64
	CurrentPrice float64
	EvalAmount   float64
	PnL          float64
}

// AccountBalance is the account snapshot the risk manager and reconciler
// consume.
type AccountBalance struct {
	Holdings    []Holding
	Cash        float64
	TotalEquity float64
	TotalPnL    float64
}

// HoldingFor returns the holding for symbol, or nil.
func (b *AccountBalance) HoldingFor(symbol string) *Holding {
	symbol = models.NormalizeSymbol(symbol)
	for i := range b.Holdings {
		if b.Holdings[i].Symbol == symbol {
			return &b.Holdings[i]
		}
	}
	return nil
}

// ---- KIS wire types ----

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// cachedToken is persisted to disk so restarts inside the token's lifetime
// do not burn the issuance quota.
type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Mode        string    `json:"mode"`
}

type priceResponse struct {
	RtCd   string `json:"rt_cd"`
	MsgCd  string `json:"msg_cd"`
	Msg    string `json:"msg1"`
	Output struct {
		Price      string `json:"stck_prpr"`
		Open       string `json:"stck_oprc"`
		High       string `json:"stck_hgpr"`
		Low        string `json:"stck_lwpr"`
		Volume     string `json:"acml_vol"`
		ChangeRate string `json:"prdy_ctrt"`
	} `json:"output"`
}

type dailyChartResponse struct {
	RtCd    string `json:"rt_cd"`
	MsgCd   string `json:"msg_cd"`
	Msg     string `json:"msg1"`
	Output2 []struct {
		Date   string `json:"stck_bsop_date"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_clpr"`
		Volume string `json:"acml_vol"`
	} `json:"output2"`
}

type orderResponse struct {
	RtCd   string `json:"rt_cd"`
	MsgCd  string `json:"msg_cd"`
	Msg    string `json:"msg1"`
	Output struct {
		OrderNo   string `json:"ODNO"`
		OrgBranch string `json:"KRX_FWDG_ORD_ORGNO"`
		OrderTime string `json:"ORD_TMD"`
	} `json:"output"`
}

type dailyCcldResponse struct {
	RtCd    string `json:"rt_cd"`
	MsgCd   string `json:"msg_cd"`
	Msg     string `json:"msg1"`
	Output1 []struct {
		OrderNo    string `json:"odno"`
		Symbol     string `json:"pdno"`
		SideCode   string `json:"sll_buy_dvsn_cd"` // 01 sell, 02 buy
		OrderedQty string `json:"ord_qty"`
		FilledQty  string `json:"tot_ccld_qty"`
		FilledAmt  string `json:"tot_ccld_amt"`
		RemainQty  string `json:"rmn_qty"`
		OrderTime  string `json:"ord_tmd"` // HHMMSS
		OrderDate  string `json:"ord_dt"`  // YYYYMMDD
	} `json:"output1"`
}

type balanceResponse struct {
	RtCd    string `json:"rt_cd"`
	MsgCd   string `json:"msg_cd"`
	Msg     string `json:"msg1"`
	Output1 []struct {
		Symbol     string `json:"pdno"`
		Name       string `json:"prdt_name"`
		Qty        string `json:"hldg_qty"`
		AvgPrice   string `json:"pchs_avg_pric"`
		Price      string `json:"prpr"`
		EvalAmount string `json:"evlu_amt"`
		PnL        string `json:"evlu_pfls_amt"`
	} `json:"output1"`
	Output2 []struct {
		Cash        string `json:"dnca_tot_amt"`
		TotalEquity string `json:"tot_evlu_amt"`
		TotalPnL    string `json:"evlu_pfls_smtl_amt"`
	} `json:"output2"`
}
