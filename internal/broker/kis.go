package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// KIS OpenAPI base URLs. PAPER talks to the virtual-trading server, which
// shares the quotation endpoints but uses its own TR IDs for orders.
const (
	realBaseURL  = "https://openapi.koreainvestment.com:9443"
	paperBaseURL = "https://openapivts.koreainvestment.com:29443"
)

// tokenRenewMargin renews the access token this long before its expiry.
const tokenRenewMargin = 10 * time.Minute

// maxRetries is the number of attempts per request. 4xx responses are never
// retried; transport errors and 5xx back off 1s, 2s between attempts.
const maxRetries = 3

// chartPageSize is the row cap of the daily-chart TR per call.
const chartPageSize = 100

// TR IDs per operation. Quotation TRs are shared between REAL and PAPER.
const (
	trCurrentPrice = "FHKST01010100"
	trDailyChart   = "FHKST03010100"

	trBuyReal    = "TTTC0802U"
	trSellReal   = "TTTC0801U"
	trBuyPaper   = "VTTC0802U"
	trSellPaper  = "VTTC0801U"
	trCancelReal = "TTTC0803U"
	trCancelPpr  = "VTTC0803U"
	trCcldReal   = "TTTC8001R"
	trCcldPaper  = "VTTC8001R"
	trBalReal    = "TTTC8434R"
	trBalPaper   = "VTTC8434R"
)

// KISClient is the KIS OpenAPI REST client. All requests share one global
// token-bucket rate limiter and one cached access token.
type KISClient struct {
	client      *http.Client
	baseURL     string
	appKey      string
	appSecret   string
	accountNo   string
	accountProd string
	mode        models.Mode
	logger      *log.Logger
	limiter     *rate.Limiter
	tokenPath   string

	tokenMu sync.Mutex
	token   cachedToken

	netMu        sync.Mutex
	netDownSince time.Time
}

// Ensure KISClient implements Broker at compile time.
var _ Broker = (*KISClient)(nil)

// Options configures a KISClient beyond the required credentials.
type Options struct {
	BaseURL        string        // override, for tests
	Timeout        time.Duration // per-request HTTP timeout
	RateLimitDelay time.Duration // min spacing between requests
	TokenCachePath string
	HTTPClient     *http.Client
}

// NewKISClient builds a client bound to mode. The client never changes mode:
// a PAPER client cannot be pointed at the live server.
func NewKISClient(mode models.Mode, appKey, appSecret, accountNo, accountProd string,
	logger *log.Logger, opts Options) (*KISClient, error) {
	if mode != models.ModePaper && mode != models.ModeReal {
		return nil, fmt.Errorf("KIS client requires PAPER or REAL mode, got %s", mode)
	}
	if appKey == "" || appSecret == "" || accountNo == "" {
		return nil, fmt.Errorf("KIS client requires app key, secret and account number")
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		if mode == models.ModePaper {
			baseURL = paperBaseURL
		} else {
			baseURL = realBaseURL
		}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	delay := opts.RateLimitDelay
	if delay == 0 {
		delay = 50 * time.Millisecond // 20 req/s
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if accountProd == "" {
		accountProd = "01"
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &KISClient{
		client:      httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		appKey:      appKey,
		appSecret:   appSecret,
		accountNo:   accountNo,
		accountProd: accountProd,
		mode:        mode,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Every(delay), 1),
		tokenPath:   opts.TokenCachePath,
	}, nil
}

// Mode reports which server this client is bound to.
func (k *KISClient) Mode() models.Mode { return k.mode }

// NetworkDownFor reports whether transport failures have been continuous
// for at least window.
func (k *KISClient) NetworkDownFor(window time.Duration) bool {
	k.netMu.Lock()
	defer k.netMu.Unlock()
	return !k.netDownSince.IsZero() && time.Since(k.netDownSince) >= window
}

func (k *KISClient) recordTransportFailure() {
	k.netMu.Lock()
	defer k.netMu.Unlock()
	if k.netDownSince.IsZero() {
		k.netDownSince = time.Now()
	}
}

func (k *KISClient) recordTransportSuccess() {
	k.netMu.Lock()
	defer k.netMu.Unlock()
	k.netDownSince = time.Time{}
}

// ---- token ----

// getAccessToken returns a valid token, renewing when inside the margin.
func (k *KISClient) getAccessToken(ctx context.Context) (string, error) {
	k.tokenMu.Lock()
	defer k.tokenMu.Unlock()

	if k.token.AccessToken == "" && k.tokenPath != "" {
		k.loadCachedToken()
	}
	if k.token.AccessToken != "" && time.Now().Before(k.token.ExpiresAt.Add(-tokenRenewMargin)) {
		return k.token.AccessToken, nil
	}

	body, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     k.appKey,
		"appsecret":  k.appSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/oauth2/tokenP", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	if err := k.limiter.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := k.client.Do(req)
	if err != nil {
		k.recordTransportFailure()
		return "", fmt.Errorf("token request: %w", err)
	}
	defer closeBody(resp.Body, k.logger)
	k.recordTransportSuccess()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", &APIError{Status: resp.StatusCode, Body: "tokenP -> " + string(raw)}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token response carried no access_token")
	}

	k.token = cachedToken{
		AccessToken: tok.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		Mode:        string(k.mode),
	}
	k.persistToken()
	return k.token.AccessToken, nil
}

// invalidateToken drops the in-memory token and the disk cache so the next
// getAccessToken call reissues one.
func (k *KISClient) invalidateToken() {
	k.tokenMu.Lock()
	defer k.tokenMu.Unlock()
	k.token = cachedToken{}
	if k.tokenPath != "" {
		if err := os.Remove(k.tokenPath); err != nil && !os.IsNotExist(err) {
			k.logger.Printf("removing token cache: %v", err)
		}
	}
}

func (k *KISClient) loadCachedToken() {
	data, err := os.ReadFile(k.tokenPath) // #nosec G304 -- operator-configured cache path
	if err != nil {
		return
	}
	var tok cachedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		k.logger.Printf("token cache unreadable, reissuing: %v", err)
		return
	}
	// a PAPER token is useless against the REAL server and vice versa
	if tok.Mode != string(k.mode) {
		return
	}
	k.token = tok
}

func (k *KISClient) persistToken() {
	if k.tokenPath == "" {
		return
	}
	data, err := json.MarshalIndent(k.token, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(k.tokenPath), 0o750); err != nil {
		k.logger.Printf("token cache dir: %v", err)
		return
	}
	tmp := k.tokenPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		k.logger.Printf("token cache write: %v", err)
		return
	}
	if err := os.Rename(tmp, k.tokenPath); err != nil {
		k.logger.Printf("token cache rename: %v", err)
	}
}

// ---- transport ----

// doRequest performs one API call with auth headers, rate limiting and
// bounded retry. 4xx responses return immediately; transport errors and 5xx
// retry with exponential backoff (1s, 2s). A token rejection forces one
// refresh and one retry; a second rejection with a fresh token is fatal.
func (k *KISClient) doRequest(ctx context.Context, method, path, trID string,
	query url.Values, body interface{}, out interface{}) error {
	token, err := k.getAccessToken(ctx)
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	endpoint := k.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	refreshed := false
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.Duration()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := k.limiter.Wait(ctx); err != nil {
			return err
		}

		var reqBody io.Reader = http.NoBody
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("appkey", k.appKey)
		req.Header.Set("appsecret", k.appSecret)
		req.Header.Set("tr_id", trID)
		req.Header.Set("custtype", "P")

		resp, err := k.client.Do(req)
		if err != nil {
			k.recordTransportFailure()
			lastErr = fmt.Errorf("%s %s: %w", method, path, err)
			k.logger.Printf("transport error on %s (attempt %d/%d): %v", path, attempt+1, maxRetries, err)
			continue
		}

		err = k.handleResponse(resp, method, path, out)
		if err == nil {
			k.recordTransportSuccess()
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrTokenExpired) {
			k.recordTransportSuccess()
			if refreshed {
				return fmt.Errorf("fresh token rejected, credentials need operator attention: %w", err)
			}
			refreshed = true
			k.logger.Printf("access token rejected on %s, reissuing once", path)
			k.invalidateToken()
			token, err = k.getAccessToken(ctx)
			if err != nil {
				return err
			}
			// the refresh retry does not consume an attempt
			attempt--
			continue
		}
		if IsPermanent(err) {
			k.recordTransportSuccess() // the wire works, the request is wrong
			return err
		}
		k.recordTransportFailure()
		k.logger.Printf("retryable error on %s (attempt %d/%d): %v", path, attempt+1, maxRetries, err)
	}
	return fmt.Errorf("request failed after %d attempts: %w", maxRetries, lastErr)
}

func (k *KISClient) handleResponse(resp *http.Response, method, path string, out interface{}) error {
	defer closeBody(resp.Body, k.logger)

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read body", method, path)}
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, path, string(raw))}
		if isTokenRejection(resp.StatusCode, raw) {
			return fmt.Errorf("%w: %v", ErrTokenExpired, apiErr)
		}
		return apiErr
	}
	if isTokenRejection(resp.StatusCode, raw) {
		return fmt.Errorf("%w: %s %s -> %s", ErrTokenExpired, method, path, string(raw))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// isTokenRejection reports whether the response means the access token was
// refused: an outright 401, or the EGW gateway codes for an invalid
// (EGW00121) or expired (EGW00123) token on a 200 envelope.
func isTokenRejection(status int, raw []byte) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	var env struct {
		RtCd  string `json:"rt_cd"`
		MsgCd string `json:"msg_cd"`
	}
	if json.Unmarshal(raw, &env) != nil || env.RtCd == "0" {
		return false
	}
	return env.MsgCd == "EGW00121" || env.MsgCd == "EGW00123"
}

// checkRtCd converts a KIS application-level failure (HTTP 200, rt_cd != 0)
// into an APIError.
func checkRtCd(rtCd, msgCd, msg, path string) error {
	if rtCd == "0" {
		return nil
	}
	return &APIError{Status: http.StatusOK, Code: msgCd, Body: fmt.Sprintf("%s -> rt_cd=%s %s", path, rtCd, msg)}
}

func closeBody(body io.Closer, logger *log.Logger) {
	if err := body.Close(); err != nil {
		logger.Printf("failed to close response body: %v", err)
	}
}

// ---- market data ----

// GetCurrentPrice returns the live quote for symbol.
func (k *KISClient) GetCurrentPrice(ctx context.Context, symbol string) (*models.Quote, error) {
	symbol = models.NormalizeSymbol(symbol)
	if err := models.ValidateSymbol(symbol); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("fid_cond_mrkt_div_code", "J")
	q.Set("fid_input_iscd", symbol)

	var out priceResponse
	path := "/uapi/domestic-stock/v1/quotations/inquire-price"
	if err := k.doRequest(ctx, http.MethodGet, path, trCurrentPrice, q, nil, &out); err != nil {
		return nil, err
	}
	if err := checkRtCd(out.RtCd, out.MsgCd, out.Msg, path); err != nil {
		return nil, err
	}

	return &models.Quote{
		Symbol:     symbol,
		Price:      parseF(out.Output.Price),
		Open:       parseF(out.Output.Open),
		High:       parseF(out.Output.High),
		Low:        parseF(out.Output.Low),
		Volume:     parseI(out.Output.Volume),
		ChangeRate: parseF(out.Output.ChangeRate),
	}, nil
}

// GetDailyOHLCV returns daily bars in [from, to], ascending and unique by
// date. The chart TR caps at 100 rows per call, so older history is paged
// by sliding the window back past the earliest row returned.
func (k *KISClient) GetDailyOHLCV(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	symbol = models.NormalizeSymbol(symbol)
	if err := models.ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now().In(models.KST)
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -200)
	}

	var all []models.Bar
	pageEnd := to
	path := "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice"

	for !pageEnd.Before(from) {
		q := url.Values{}
		q.Set("FID_COND_MRKT_DIV_CODE", "J")
		q.Set("FID_INPUT_ISCD", symbol)
		q.Set("FID_INPUT_DATE_1", from.In(models.KST).Format("20060102"))
		q.Set("FID_INPUT_DATE_2", pageEnd.In(models.KST).Format("20060102"))
		q.Set("FID_PERIOD_DIV_CODE", "D")
		q.Set("FID_ORG_ADJ_PRC", "0")

		var out dailyChartResponse
		if err := k.doRequest(ctx, http.MethodGet, path, trDailyChart, q, nil, &out); err != nil {
			return nil, err
		}
		if err := checkRtCd(out.RtCd, out.MsgCd, out.Msg, path); err != nil {
			return nil, err
		}

		var earliest time.Time
		var rows int
		for _, row := range out.Output2 {
			if row.Date == "" {
				continue
			}
			date, err := time.ParseInLocation("20060102", row.Date, models.KST)
			if err != nil {
				continue
			}
			rows++
			if earliest.IsZero() || date.Before(earliest) {
				earliest = date
			}
			all = append(all, models.Bar{
				Date:   date,
				Open:   parseF(row.Open),
				High:   parseF(row.High),
				Low:    parseF(row.Low),
				Close:  parseF(row.Close),
				Volume: parseI(row.Volume),
			})
		}

		if rows < chartPageSize || earliest.IsZero() {
			break
		}
		pageEnd = earliest.AddDate(0, 0, -1)
	}

	return models.SortBars(all), nil
}

// ---- orders ----

// PlaceOrder submits a cash order. price 0 submits a market order ("01"),
// anything else a limit order ("00") at the quantized price.
func (k *KISClient) PlaceOrder(ctx context.Context, side models.Side, symbol string,
	qty int64, price float64) (string, error) {
	symbol = models.NormalizeSymbol(symbol)
	if err := models.ValidateSymbol(symbol); err != nil {
		return "", err
	}
	if !side.Valid() {
		return "", fmt.Errorf("invalid side %q", side)
	}
	if qty <= 0 {
		return "", fmt.Errorf("order quantity must be > 0, got %d", qty)
	}

	trID := trBuyPaper
	switch {
	case k.mode == models.ModeReal && side == models.SideBuy:
		trID = trBuyReal
	case k.mode == models.ModeReal && side == models.SideSell:
		trID = trSellReal
	case side == models.SideSell:
		trID = trSellPaper
	}

	ordDvsn := "01" // market
	unitPrice := "0"
	if price > 0 {
		ordDvsn = "00" // limit
		unitPrice = strconv.FormatInt(int64(price), 10)
	}

	body := map[string]string{
		"CANO":         k.accountNo,
		"ACNT_PRDT_CD": k.accountProd,
		"PDNO":         symbol,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.FormatInt(qty, 10),
		"ORD_UNPR":     unitPrice,
	}

	var out orderResponse
	path := "/uapi/domestic-stock/v1/trading/order-cash"
	if err := k.doRequest(ctx, http.MethodPost, path, trID, nil, body, &out); err != nil {
		return "", err
	}
	if err := checkRtCd(out.RtCd, out.MsgCd, out.Msg, path); err != nil {
		if IsMarketUnavailable(err) {
			return "", fmt.Errorf("%w: %s", ErrMarketClosed, out.Msg)
		}
		return "", err
	}
	if out.Output.OrderNo == "" {
		return "", fmt.Errorf("order accepted but no order number returned")
	}

	k.logger.Printf("[%s] %s %s x%d placed, order_no=%s", k.mode, side, symbol, qty, out.Output.OrderNo)
	return out.Output.OrderNo, nil
}

// CancelOrder cancels the full remaining quantity of orderNo.
func (k *KISClient) CancelOrder(ctx context.Context, orderNo, symbol string) error {
	trID := trCancelPpr
	if k.mode == models.ModeReal {
		trID = trCancelReal
	}

	body := map[string]string{
		"CANO":              k.accountNo,
		"ACNT_PRDT_CD":      k.accountProd,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":         orderNo,
		"ORD_DVSN":          "01",
		"RVSE_CNCL_DVSN_CD": "02", // cancel
		"ORD_QTY":           "0",
		"ORD_UNPR":          "0",
		"QTY_ALL_ORD_YN":    "Y",
	}

	var out orderResponse
	path := "/uapi/domestic-stock/v1/trading/order-rvsecncl"
	if err := k.doRequest(ctx, http.MethodPost, path, trID, nil, body, &out); err != nil {
		return err
	}
	if err := checkRtCd(out.RtCd, out.MsgCd, out.Msg, path); err != nil {
		return err
	}
	k.logger.Printf("[%s] order %s cancelled (%s)", k.mode, orderNo, symbol)
	return nil
}

// GetOrderStatus returns today's executed-order rows. With orderNo set only
// matching rows are returned; an empty orderNo returns the whole day.
func (k *KISClient) GetOrderStatus(ctx context.Context, orderNo string) ([]ExecutedOrder, error) {
	trID := trCcldPaper
	if k.mode == models.ModeReal {
		trID = trCcldReal
	}

	today := time.Now().In(models.KST).Format("20060102")
	q := url.Values{}
	q.Set("CANO", k.accountNo)
	q.Set("ACNT_PRDT_CD", k.accountProd)
	q.Set("INQR_STRT_DT", today)
	q.Set("INQR_END_DT", today)
	q.Set("SLL_BUY_DVSN_CD", "00")
	q.Set("INQR_DVSN", "00")
	q.Set("PDNO", "")
	q.Set("CCLD_DVSN", "00")
	q.Set("ORD_GNO_BRNO", "")
	q.Set("ODNO", "")
	q.Set("INQR_DVSN_3", "00")
	q.Set("INQR_DVSN_1", "")
	q.Set("CTX_AREA_FK100", "")
	q.Set("CTX_AREA_NK100", "")

	var out dailyCcldResponse
	path := "/uapi/domestic-stock/v1/trading/inquire-daily-ccld"
	if err := k.doRequest(ctx, http.MethodGet, path, trID, q, nil, &out); err != nil {
		return nil, err
	}
	if err := checkRtCd(out.RtCd, out.MsgCd, out.Msg, path); err != nil {
		return nil, err
	}

	orders := make([]ExecutedOrder, 0, len(out.Output1))
	for _, row := range out.Output1 {
		if orderNo != "" && row.OrderNo != orderNo {
			continue
		}
		side := models.SideBuy
		if row.SideCode == "01" {
			side = models.SideSell
		}
		filled := parseI(row.FilledQty)
		var avg float64
		if filled > 0 {
			avg = parseF(row.FilledAmt) / float64(filled)
		}
		orders = append(orders, ExecutedOrder{
			OrderNo:      row.OrderNo,
			Symbol:       models.NormalizeSymbol(row.Symbol),
			Side:         side,
			OrderedQty:   parseI(row.OrderedQty),
			FilledQty:    filled,
			RemainingQty: parseI(row.RemainQty),
			AvgPrice:     avg,
			OrderedAt:    parseOrderTime(row.OrderDate, row.OrderTime),
		})
	}
	return orders, nil
}

// WaitForExecution polls the execution inquiry until orderNo fills, the
// context ends, or timeout elapses. On timeout with a residual, the residual
// is cancelled and the result is PARTIAL (some fills) or CANCELLED (none).
func (k *KISClient) WaitForExecution(ctx context.Context, orderNo, symbol string,
	expectedQty int64, timeout, pollInterval time.Duration) (*ExecutionResult, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)

	var last *ExecutedOrder
	for {
		orders, err := k.GetOrderStatus(ctx, orderNo)
		if err != nil {
			k.logger.Printf("execution poll for %s failed: %v", orderNo, err)
		} else {
			for i := range orders {
				if orders[i].OrderNo == orderNo {
					last = &orders[i]
					break
				}
			}
			if last != nil && last.RemainingQty == 0 && last.FilledQty > 0 {
				return &ExecutionResult{
					Status:    models.OrderFilled,
					ExecQty:   last.FilledQty,
					ExecPrice: last.AvgPrice,
					Fills:     fillsFrom(last),
				}, nil
			}
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	// timed out: cancel whatever remains, then classify
	if err := k.CancelOrder(ctx, orderNo, symbol); err != nil {
		k.logger.Printf("cancel of residual order %s failed: %v", orderNo, err)
	}

	if last != nil && last.FilledQty > 0 {
		return &ExecutionResult{
			Status:    models.OrderPartial,
			ExecQty:   last.FilledQty,
			ExecPrice: last.AvgPrice,
			Fills:     fillsFrom(last),
		}, nil
	}
	return &ExecutionResult{Status: models.OrderCancelled}, nil
}

func fillsFrom(o *ExecutedOrder) []models.Fill {
	if o.FilledQty <= 0 {
		return nil
	}
	executedAt := o.OrderedAt
	if executedAt.IsZero() {
		executedAt = time.Now().In(models.KST)
	}
	return []models.Fill{{
		OrderNo:    o.OrderNo,
		ExecutedAt: executedAt,
		Price:      o.AvgPrice,
		Qty:        o.FilledQty,
		Side:       o.Side,
	}}
}

// ---- account ----

// GetAccountBalance returns holdings, cash and equity for the account.
func (k *KISClient) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	trID := trBalPaper
	if k.mode == models.ModeReal {
		trID = trBalReal
	}

	q := url.Values{}
	q.Set("CANO", k.accountNo)
	q.Set("ACNT_PRDT_CD", k.accountProd)
	q.Set("AFHR_FLPR_YN", "N")
	q.Set("OFL_YN", "")
	q.Set("INQR_DVSN", "02")
	q.Set("UNPR_DVSN", "01")
	q.Set("FUND_STTL_ICLD_YN", "N")
	q.Set("FNCG_AMT_AUTO_RDPT_YN", "N")
	q.Set("PRCS_DVSN", "00")
	q.Set("CTX_AREA_FK100", "")
	q.Set("CTX_AREA_NK100", "")

	var out balanceResponse
	path := "/uapi/domestic-stock/v1/trading/inquire-balance"
	if err := k.doRequest(ctx, http.MethodGet, path, trID, q, nil, &out); err != nil {
		return nil, err
	}
	if err := checkRtCd(out.RtCd, out.MsgCd, out.Msg, path); err != nil {
		return nil, err
	}

	bal := &AccountBalance{}
	for _, row := range out.Output1 {
		qty := parseI(row.Qty)
		if qty <= 0 {
			continue
		}
		bal.Holdings = append(bal.Holdings, Holding{
			Symbol:       models.NormalizeSymbol(row.Symbol),
			Name:         row.Name,
			Quantity:     qty,
			AvgPrice:     parseF(row.AvgPrice),
			CurrentPrice: parseF(row.Price),
			EvalAmount:   parseF(row.EvalAmount),
			PnL:          parseF(row.PnL),
		})
	}
	if len(out.Output2) > 0 {
		bal.Cash = parseF(out.Output2[0].Cash)
		bal.TotalEquity = parseF(out.Output2[0].TotalEquity)
		bal.TotalPnL = parseF(out.Output2[0].TotalPnL)
	}
	return bal, nil
}

// ---- parsing helpers ----

func parseF(s string) float64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseI(s string) int64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseOrderTime(date, hms string) time.Time {
	if date == "" {
		date = time.Now().In(models.KST).Format("20060102")
	}
	t, err := time.ParseInLocation("20060102150405", date+hms, models.KST)
	if err != nil {
		return time.Time{}
	}
	return t
}
