package spin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

const (
	resultApproved = "0"

	// statusBusy 終端機正在處理其他交易
	statusBusy = "2008"
	// statusDuplicateRef reference id 已被使用過
	statusDuplicateRef = "2007"
)

// Config SPIn REST proxy 設定
type Config struct {
	BaseURL string        `yaml:"base_url"`
	AuthKey string        `yaml:"auth_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Gateway 實作 usecase.TerminalGateway
//
// 每個操作都是一次獨立的 POST，busy 以 TerminalResponse.Busy 回傳由呼叫端重送。
type Gateway struct {
	baseURL string
	authKey string
	http    *http.Client
	logger  *zap.Logger
}

func NewGateway(cfg Config, logger *zap.Logger) *Gateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Gateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		authKey: cfg.AuthKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

type request struct {
	Tpn              string `json:"Tpn"`
	Authkey          string `json:"Authkey"`
	Amount           string `json:"Amount,omitempty"`
	PaymentType      string `json:"PaymentType,omitempty"`
	ReferenceID      string `json:"ReferenceId,omitempty"`
	CaptureSignature bool   `json:"CaptureSignature"`
	GetReceipt       string `json:"GetReceipt,omitempty"`
	GetExtendedData  bool   `json:"GetExtendedData"`
}

type generalResponse struct {
	ResultCode      string `json:"ResultCode"`
	StatusCode      string `json:"StatusCode"`
	Message         string `json:"Message"`
	DetailedMessage string `json:"DetailedMessage"`
}

type amounts struct {
	TotalAmount decimal.Decimal `json:"TotalAmount"`
	Amount      decimal.Decimal `json:"Amount"`
	TipAmount   decimal.Decimal `json:"TipAmount"`
}

type cardData struct {
	CardType  string `json:"CardType"`
	EntryType string `json:"EntryType"`
	Last4     string `json:"Last4"`
	First4    string `json:"First4"`
	BIN       string `json:"BIN"`
	Name      string `json:"Name"`
}

type receipts struct {
	Customer string `json:"Customer"`
	Merchant string `json:"Merchant"`
}

type response struct {
	GeneralResponse   generalResponse   `json:"GeneralResponse"`
	Amounts           *amounts          `json:"Amounts"`
	CardData          *cardData         `json:"CardData"`
	EMVData           map[string]string `json:"EMVData"`
	Receipts          *receipts         `json:"Receipts"`
	AuthCode          string            `json:"AuthCode"`
	ReferenceID       string            `json:"ReferenceId"`
	PaymentType       string            `json:"PaymentType"`
	TransactionType   string            `json:"TransactionType"`
	TransactionNumber string            `json:"TransactionNumber"`
	BatchNumber       string            `json:"BatchNumber"`
	SerialNumber      string            `json:"SerialNumber"`
	Signature         string            `json:"Signature"`
}

func (g *Gateway) Sale(ctx context.Context, req usecase.TerminalRequest) (*usecase.TerminalResponse, error) {
	return g.post(ctx, "Sale", g.paymentRequest(req))
}

func (g *Gateway) Void(ctx context.Context, req usecase.TerminalRequest) (*usecase.TerminalResponse, error) {
	return g.post(ctx, "Void", g.paymentRequest(req))
}

func (g *Gateway) Return(ctx context.Context, req usecase.TerminalRequest) (*usecase.TerminalResponse, error) {
	return g.post(ctx, "Return", g.paymentRequest(req))
}

// Status 查詢 reference id 對應的交易
func (g *Gateway) Status(ctx context.Context, req usecase.TerminalRequest) (*usecase.TerminalResponse, error) {
	return g.post(ctx, "Status", request{
		Tpn:         req.TerminalID,
		Authkey:     g.authKey,
		PaymentType: req.PaymentType,
		ReferenceID: req.ReferenceID,
	})
}

// Settle 結帳 (close batch)
func (g *Gateway) Settle(ctx context.Context, terminalID string) (*usecase.TerminalResponse, error) {
	return g.post(ctx, "Settle", request{Tpn: terminalID, Authkey: g.authKey})
}

func (g *Gateway) paymentRequest(req usecase.TerminalRequest) request {
	out := request{
		Tpn:              req.TerminalID,
		Authkey:          g.authKey,
		PaymentType:      req.PaymentType,
		ReferenceID:      req.ReferenceID,
		CaptureSignature: req.CaptureSignature,
		GetReceipt:       "Both",
		GetExtendedData:  true,
	}
	if req.Amount > 0 {
		out.Amount = decimal.New(req.Amount, -2).StringFixed(2)
	}
	return out
}

func (g *Gateway) post(ctx context.Context, op string, body request) (*usecase.TerminalResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", op, err)
	}
	url := g.baseURL + "/v2/Payment/" + op
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, g.transportError(op, body.Tpn, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, g.transportError(op, body.Tpn, err)
	}
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("spin %s: http %d: %w", op, httpResp.StatusCode, domain.ErrProviderUnavailable)
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode spin %s response: %w", op, err)
	}
	out := translate(&resp)

	g.logger.Debug("spin response",
		zap.String("op", op),
		zap.String("terminal_id", body.Tpn),
		zap.String("reference_id", body.ReferenceID),
		zap.String("result_code", resp.GeneralResponse.ResultCode),
		zap.String("status_code", resp.GeneralResponse.StatusCode),
		zap.String("message", out.Message))
	return out, nil
}

func (g *Gateway) transportError(op, terminalID string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		g.logger.Warn("spin request timed out", zap.String("op", op), zap.String("terminal_id", terminalID))
		return fmt.Errorf("spin %s: %w: %w", op, domain.ErrProviderTimeout, err)
	}
	g.logger.Error("could not connect to spin proxy", zap.String("op", op), zap.String("terminal_id", terminalID), zap.Error(err))
	return fmt.Errorf("spin %s: %w: %w", op, domain.ErrProviderUnavailable, err)
}

// translate SPIn 回應 -> TerminalResponse
func translate(resp *response) *usecase.TerminalResponse {
	gr := resp.GeneralResponse
	msg := gr.DetailedMessage
	if msg == "" {
		msg = gr.Message
	}
	out := &usecase.TerminalResponse{
		Approved:       gr.ResultCode == resultApproved,
		Busy:           isBusy(gr),
		StaleReference: gr.StatusCode == statusDuplicateRef,
		NotFound:       isNotFound(gr),
		Message:        msg,
		Signature:      resp.Signature,
		ReferenceID:    resp.ReferenceID,
		EMVData:        resp.EMVData,
		Raw:            flatten(resp),
	}
	if resp.Amounts != nil {
		out.ApprovedAmount = resp.Amounts.TotalAmount.Shift(2).Round(0).IntPart()
	}
	if cd := resp.CardData; cd != nil {
		out.CardData = map[string]string{
			"card_type":  cd.CardType,
			"entry_type": cd.EntryType,
			"last4":      cd.Last4,
			"first4":     cd.First4,
			"name":       cd.Name,
		}
		out.InsecureEntry = insecureEntry(cd.EntryType)
	}
	if resp.Receipts != nil {
		out.ReceiptHTML = resp.Receipts.Customer
	}
	out.TxnInfo = map[string]string{
		"auth_code":          resp.AuthCode,
		"payment_type":       resp.PaymentType,
		"transaction_type":   resp.TransactionType,
		"transaction_number": resp.TransactionNumber,
		"batch_number":       resp.BatchNumber,
		"serial_number":      resp.SerialNumber,
	}
	if out.ApprovedAmount > 0 {
		out.TxnInfo["amount"] = fmt.Sprint(out.ApprovedAmount)
	}
	return out
}

func isBusy(gr generalResponse) bool {
	if gr.StatusCode == statusBusy {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(gr.Message), "busy") ||
		strings.Contains(strings.ToLower(gr.DetailedMessage), "busy")
}

func isNotFound(gr generalResponse) bool {
	for _, m := range []string{gr.Message, gr.DetailedMessage} {
		m = strings.ToLower(m)
		if strings.Contains(m, "not found") || strings.Contains(m, "no open batch") {
			return true
		}
	}
	return false
}

// insecureEntry 刷卡或手動輸入 (非晶片/感應) 需要簽名
func insecureEntry(entryType string) bool {
	switch strings.ToLower(entryType) {
	case "swipe", "manual", "keyed", "fallback", "fallbackswipe":
		return true
	default:
		return false
	}
}

func flatten(resp *response) map[string]string {
	raw := map[string]string{
		"ResultCode":      resp.GeneralResponse.ResultCode,
		"StatusCode":      resp.GeneralResponse.StatusCode,
		"Message":         resp.GeneralResponse.Message,
		"DetailedMessage": resp.GeneralResponse.DetailedMessage,
	}
	if resp.ReferenceID != "" {
		raw["ReferenceId"] = resp.ReferenceID
	}
	if resp.AuthCode != "" {
		raw["AuthCode"] = resp.AuthCode
	}
	if resp.TransactionNumber != "" {
		raw["TransactionNumber"] = resp.TransactionNumber
	}
	if resp.Amounts != nil {
		raw["TotalAmount"] = resp.Amounts.TotalAmount.StringFixed(2)
	}
	return raw
}

var _ usecase.TerminalGateway = (*Gateway)(nil)
