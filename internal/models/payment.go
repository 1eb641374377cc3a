package models

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Amounts go over the wire as JSON numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

type PaymentMethod string

const (
	MethodCreditCard PaymentMethod = "CREDIT_CARD"
	MethodDebitCard  PaymentMethod = "DEBIT_CARD"
	MethodUPI        PaymentMethod = "UPI"
	MethodNetBanking PaymentMethod = "NET_BANKING"
	MethodWallet     PaymentMethod = "WALLET"
	MethodCOD        PaymentMethod = "COD"
)

var PaymentMethods = []PaymentMethod{
	MethodCreditCard, MethodDebitCard, MethodUPI, MethodNetBanking, MethodWallet, MethodCOD,
}

func (m PaymentMethod) Valid() bool {
	for _, known := range PaymentMethods {
		if m == known {
			return true
		}
	}
	return false
}

type TransactionType string

const (
	TransactionPayment TransactionType = "PAYMENT"
	TransactionRefund  TransactionType = "REFUND"
)

const DefaultCurrency = "INR"

type Payment struct {
	PaymentID         string          `json:"payment_id"`
	OrderID           int64           `json:"order_id"`
	UserID            int64           `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PaymentMethod     PaymentMethod   `json:"payment_method"`
	Status            PaymentStatus   `json:"status"`
	TransactionID     string          `json:"transaction_id"`
	Reference         string          `json:"reference"`
	AuthorizationCode string          `json:"authorization_code,omitempty"`
	GatewayResponse   string          `json:"gateway_response,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at"`
	CapturedAt        *time.Time      `json:"captured_at"`
	Transactions      []Transaction   `json:"transactions"`
}

// Transaction is one append-only audit entry of a payment.
type Transaction struct {
	TransactionLogID int64           `json:"transaction_log_id"`
	PaymentID        string          `json:"-"`
	TransactionType  TransactionType `json:"transaction_type"`
	Amount           decimal.Decimal `json:"amount"`
	Status           PaymentStatus   `json:"status"`
	Description      string          `json:"description"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Clone returns a deep copy so stored payments are never aliased by callers.
func (p *Payment) Clone() *Payment {
	cp := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	if p.CapturedAt != nil {
		t := *p.CapturedAt
		cp.CapturedAt = &t
	}
	cp.Transactions = append([]Transaction(nil), p.Transactions...)
	return &cp
}

// PaymentRequest is the body of both the charge and the legacy create endpoints.
type PaymentRequest struct {
	OrderID       int64           `json:"order_id" binding:"required,gt=0"`
	UserID        int64           `json:"user_id" binding:"required,gt=0"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" binding:"omitempty,len=3"`
	PaymentMethod PaymentMethod   `json:"payment_method" binding:"required"`
	Reference     string          `json:"reference" binding:"omitempty,max=100"`
}

type StatusUpdateRequest struct {
	Status          PaymentStatus `json:"status" binding:"required"`
	GatewayResponse *string       `json:"gateway_response"`
}

type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason" binding:"required"`
}

type PaymentFilter struct {
	Status        PaymentStatus
	PaymentMethod PaymentMethod
	UserID        int64
	Page          int
	PageSize      int
}

type PaymentPage struct {
	Total    int64     `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
	Payments []Payment `json:"payments"`
}
