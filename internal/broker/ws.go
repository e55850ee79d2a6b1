package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// KIS realtime endpoints. The paper server runs the same protocol on its
// own port.
const (
	realWSURL  = "ws://ops.koreainvestment.com:21000"
	paperWSURL = "ws://ops.koreainvestment.com:31000"

	// trRealtimePrice is the domestic-equity realtime execution feed.
	trRealtimePrice = "H0STCNT0"
)

// RealtimeFeed streams live execution prices over the KIS websocket. It is
// an optional accelerator: the engine polls REST quotes regardless, and the
// feed only tightens tick latency for subscribed symbols.
type RealtimeFeed struct {
	wsURL       string
	restBaseURL string
	appKey      string
	appSecret   string
	logger      *log.Logger
	httpClient  *http.Client

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]struct{}
	updates chan models.Quote
}

// NewRealtimeFeed builds a feed for mode. The REST base URL is needed to
// issue the websocket approval key.
func NewRealtimeFeed(mode models.Mode, appKey, appSecret string, logger *log.Logger) (*RealtimeFeed, error) {
	if mode != models.ModePaper && mode != models.ModeReal {
		return nil, fmt.Errorf("realtime feed requires PAPER or REAL mode, got %s", mode)
	}
	wsURL, restURL := paperWSURL, paperBaseURL
	if mode == models.ModeReal {
		wsURL, restURL = realWSURL, realBaseURL
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &RealtimeFeed{
		wsURL:       wsURL,
		restBaseURL: restURL,
		appKey:      appKey,
		appSecret:   appSecret,
		logger:      logger,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		subs:        make(map[string]struct{}),
		updates:     make(chan models.Quote, 256),
	}, nil
}

// Updates returns the quote stream. Slow consumers drop updates rather than
// stalling the read loop.
func (f *RealtimeFeed) Updates() <-chan models.Quote { return f.updates }

// approvalKey requests the websocket session key.
func (f *RealtimeFeed) approvalKey(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     f.appKey,
		"secretkey":  f.appSecret,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.restBaseURL+"/oauth2/Approval", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("approval request: %w", err)
	}
	defer closeBody(resp.Body, f.logger)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", &APIError{Status: resp.StatusCode, Body: "Approval -> " + string(raw)}
	}

	var out struct {
		ApprovalKey string `json:"approval_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.ApprovalKey == "" {
		return "", fmt.Errorf("approval response carried no key")
	}
	return out.ApprovalKey, nil
}

// Run connects, subscribes the given symbols and pumps quotes until ctx
// ends. Reconnection is the caller's concern; Run returns on any terminal
// read error.
func (f *RealtimeFeed) Run(ctx context.Context, symbols []string) error {
	key, err := f.approvalKey(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		if err := conn.Close(); err != nil {
			f.logger.Printf("websocket close: %v", err)
		}
	}()

	for _, sym := range symbols {
		if err := f.subscribe(conn, key, models.NormalizeSymbol(sym)); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		f.handleMessage(conn, raw)
	}
}

func (f *RealtimeFeed) subscribe(conn *websocket.Conn, approvalKey, symbol string) error {
	msg := map[string]interface{}{
		"header": map[string]string{
			"approval_key": approvalKey,
			"custtype":     "P",
			"tr_type":      "1", // register
			"content-type": "utf-8",
		},
		"body": map[string]interface{}{
			"input": map[string]string{
				"tr_id":  trRealtimePrice,
				"tr_key": symbol,
			},
		},
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	f.mu.Lock()
	f.subs[symbol] = struct{}{}
	f.mu.Unlock()
	return nil
}

// handleMessage routes one frame. Realtime data frames are pipe-delimited
// and start with "0"; everything else is a JSON control message.
func (f *RealtimeFeed) handleMessage(conn *websocket.Conn, raw []byte) {
	if len(raw) == 0 {
		return
	}
	if raw[0] == '0' || raw[0] == '1' {
		f.handleDataFrame(string(raw))
		return
	}

	var ctrl struct {
		Header struct {
			TrID string `json:"tr_id"`
		} `json:"header"`
	}
	if err := json.Unmarshal(raw, &ctrl); err != nil {
		f.logger.Printf("unparseable control frame: %.120s", raw)
		return
	}
	if ctrl.Header.TrID == "PINGPONG" {
		if err := conn.WriteMessage(websocket.PongMessage, raw); err != nil {
			f.logger.Printf("pong write: %v", err)
		}
	}
}

// handleDataFrame parses "0|H0STCNT0|001|<caret-separated fields>" frames.
// Field order for H0STCNT0: [0]=symbol, [1]=time HHMMSS, [2]=price,
// [7]=open, [8]=high, [9]=low, [13]=accumulated volume.
func (f *RealtimeFeed) handleDataFrame(frame string) {
	parts := strings.Split(frame, "|")
	if len(parts) < 4 || parts[1] != trRealtimePrice {
		return
	}
	fields := strings.Split(parts[3], "^")
	if len(fields) < 14 {
		return
	}
	q := models.Quote{
		Symbol: models.NormalizeSymbol(fields[0]),
		Price:  parseF(fields[2]),
		Open:   parseF(fields[7]),
		High:   parseF(fields[8]),
		Low:    parseF(fields[9]),
		Volume: parseI(fields[13]),
	}
	if q.Price <= 0 {
		return
	}
	select {
	case f.updates <- q:
	default:
		// consumer is behind; dropping a tick is harmless, the next one
		// carries fresher state
	}
}
