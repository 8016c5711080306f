package authnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
)

const (
	SandboxEndpoint    = "https://apitest.authorize.net/xml/v1/request.api"
	ProductionEndpoint = "https://api.authorize.net/xml/v1/request.api"

	resultOk = "Ok"
	// codeRecordNotFound 查無 customer profile
	codeRecordNotFound = "E00040"
)

// Config Authorize.Net 設定
type Config struct {
	LoginID        string        `yaml:"login_id"`
	TransactionKey string        `yaml:"transaction_key"`
	Endpoint       string        `yaml:"endpoint"`
	Timeout        time.Duration `yaml:"timeout"`
}

type merchantAuth struct {
	Name           string `json:"name"`
	TransactionKey string `json:"transactionKey"`
}

type message struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

type messages struct {
	ResultCode string    `json:"resultCode"`
	Message    []message `json:"message"`
}

func (m messages) first() message {
	if len(m.Message) == 0 {
		return message{}
	}
	return m.Message[0]
}

type opaqueData struct {
	DataDescriptor string `json:"dataDescriptor"`
	DataValue      string `json:"dataValue"`
}

type creditCard struct {
	CardNumber     string `json:"cardNumber"`
	ExpirationDate string `json:"expirationDate"`
}

type payment struct {
	CreditCard *creditCard `json:"creditCard,omitempty"`
	OpaqueData *opaqueData `json:"opaqueData,omitempty"`
}

type paymentProfileRef struct {
	PaymentProfileID string `json:"paymentProfileId"`
}

type profileToCharge struct {
	CustomerProfileID string            `json:"customerProfileId"`
	PaymentProfile    paymentProfileRef `json:"paymentProfile"`
}

type order struct {
	InvoiceNumber string `json:"invoiceNumber,omitempty"`
	Description   string `json:"description,omitempty"`
}

type address struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Zip       string `json:"zip,omitempty"`
}

// transactionRequest 欄位順序必須符合 Authorize.Net schema
type transactionRequest struct {
	TransactionType string           `json:"transactionType"`
	Amount          string           `json:"amount,omitempty"`
	Payment         *payment         `json:"payment,omitempty"`
	Profile         *profileToCharge `json:"profile,omitempty"`
	RefTransID      string           `json:"refTransId,omitempty"`
	Order           *order           `json:"order,omitempty"`
	CustomerIP      string           `json:"customerIP,omitempty"`
	BillTo          *address         `json:"billTo,omitempty"`
}

type createTransactionBody struct {
	MerchantAuthentication merchantAuth       `json:"merchantAuthentication"`
	RefID                  string             `json:"refId,omitempty"`
	TransactionRequest     transactionRequest `json:"transactionRequest"`
}

type txnError struct {
	ErrorCode string `json:"errorCode"`
	ErrorText string `json:"errorText"`
}

type txnMessage struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type transactionResponse struct {
	ResponseCode  string       `json:"responseCode"`
	AuthCode      string       `json:"authCode"`
	TransID       string       `json:"transId"`
	AccountNumber string       `json:"accountNumber"`
	AccountType   string       `json:"accountType"`
	Messages      []txnMessage `json:"messages"`
	Errors        []txnError   `json:"errors"`
}

type createTransactionResponse struct {
	TransactionResponse *transactionResponse `json:"transactionResponse"`
	RefID               string               `json:"refId"`
	Messages            messages             `json:"messages"`
}

type getCustomerProfileBody struct {
	MerchantAuthentication merchantAuth `json:"merchantAuthentication"`
	CustomerProfileID      string       `json:"customerProfileId,omitempty"`
	Email                  string       `json:"email,omitempty"`
}

type paymentProfileInfo struct {
	CustomerPaymentProfileID string `json:"customerPaymentProfileId"`
}

type customerProfile struct {
	CustomerProfileID string               `json:"customerProfileId"`
	Email             string               `json:"email"`
	PaymentProfiles   []paymentProfileInfo `json:"paymentProfiles"`
}

type getCustomerProfileResponse struct {
	Profile  *customerProfile `json:"profile"`
	Messages messages         `json:"messages"`
}

type newProfile struct {
	Email string `json:"email"`
}

type createCustomerProfileBody struct {
	MerchantAuthentication merchantAuth `json:"merchantAuthentication"`
	Profile                newProfile   `json:"profile"`
}

type createCustomerProfileResponse struct {
	CustomerProfileID string   `json:"customerProfileId"`
	Messages          messages `json:"messages"`
}

type newPaymentProfile struct {
	BillTo  *address `json:"billTo,omitempty"`
	Payment payment  `json:"payment"`
}

type createPaymentProfileBody struct {
	MerchantAuthentication merchantAuth      `json:"merchantAuthentication"`
	CustomerProfileID      string            `json:"customerProfileId"`
	PaymentProfile         newPaymentProfile `json:"paymentProfile"`
}

type createPaymentProfileResponse struct {
	CustomerPaymentProfileID string   `json:"customerPaymentProfileId"`
	Messages                 messages `json:"messages"`
}

type deletePaymentProfileBody struct {
	MerchantAuthentication   merchantAuth `json:"merchantAuthentication"`
	CustomerProfileID        string       `json:"customerProfileId"`
	CustomerPaymentProfileID string       `json:"customerPaymentProfileId"`
}

type simpleResponse struct {
	Messages messages `json:"messages"`
}

type getTransactionDetailsBody struct {
	MerchantAuthentication merchantAuth `json:"merchantAuthentication"`
	TransID                string       `json:"transId"`
}

type transactionDetails struct {
	TransID           string          `json:"transId"`
	TransactionStatus string          `json:"transactionStatus"`
	SubmitTimeUTC     string          `json:"submitTimeUTC"`
	AuthAmount        decimal.Decimal `json:"authAmount"`
	SettleAmount      decimal.Decimal `json:"settleAmount"`
	Payment           struct {
		CreditCard struct {
			CardNumber string `json:"cardNumber"`
		} `json:"creditCard"`
	} `json:"payment"`
	BillTo struct {
		Zip string `json:"zip"`
	} `json:"billTo"`
}

type getTransactionDetailsResponse struct {
	Transaction *transactionDetails `json:"transaction"`
	Messages    messages            `json:"messages"`
}

// client Authorize.Net JSON API 傳輸層
type client struct {
	endpoint string
	auth     merchantAuth
	http     *http.Client
}

func newClient(cfg Config) *client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = SandboxEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &client{
		endpoint: cfg.Endpoint,
		auth:     merchantAuth{Name: cfg.LoginID, TransactionKey: cfg.TransactionKey},
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

// call 送出 {name: body}，回應去掉 UTF-8 BOM 後解到 out
func (c *client) call(ctx context.Context, name string, body, out any) error {
	payload, err := json.Marshal(map[string]any{name: body})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(name, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return domain.NewConnectivityError("The payment processor is unavailable. Please try again.",
			fmt.Errorf("%s: http %d: %w", name, resp.StatusCode, domain.ErrProviderUnavailable))
	}
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", name, err)
	}
	return nil
}

func transportError(name string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewConnectivityError("The request timed out.",
			fmt.Errorf("%s: %w: %w", name, domain.ErrProviderTimeout, err))
	}
	return domain.NewConnectivityError("Could not connect to the payment processor.",
		fmt.Errorf("%s: %w: %w", name, domain.ErrProviderUnavailable, err))
}

// dollars 分 -> "12.34"
func dollars(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// cents "12.34" -> 1234
func cents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}
