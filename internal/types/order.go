package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"github.com/shopspring/decimal"
)

type OrderSide string

type OrderType string

type OrderStatus string

type RiskCategory string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

const (
	RiskCategorySmall  RiskCategory = "SMALL"
	RiskCategoryNormal RiskCategory = "NORMAL"
	RiskCategoryLarge  RiskCategory = "LARGE"
)

const (
	OrderReasonSignal     string = "execution_signal"
	OrderReasonStopLoss   string = "stop_loss"
	OrderReasonTakeProfit string = "take_profit"
	OrderReasonManual     string = "manual"
)

// IsTerminal reports whether the status ends the order lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	default:
		return false
	}
}

type Reason struct {
	Reason  string `yaml:"reason" json:"reason" csv:"reason" validate:"required"`
	Message string `yaml:"message" json:"message" csv:"message" validate:"required"`
}

// OrderRequest is a broker-agnostic instruction to place an order. Built
// from an execution signal by the request builder.
type OrderRequest struct {
	ID           string          `yaml:"id" json:"id" csv:"id" validate:"required,uuid"`
	Symbol       string          `yaml:"symbol" json:"symbol" csv:"symbol" validate:"required"`
	Side         OrderSide       `yaml:"side" json:"side" csv:"side" validate:"required,oneof=BUY SELL"`
	OrderType    OrderType       `yaml:"order_type" json:"order_type" csv:"order_type" validate:"required,oneof=MARKET LIMIT STOP STOP_LIMIT"`
	Quantity     int64           `yaml:"quantity" json:"quantity" csv:"quantity" validate:"required,gt=0"`
	Price        decimal.Decimal `yaml:"price" json:"price" csv:"price"`
	Reason       Reason          `yaml:"reason" json:"reason" csv:"reason" validate:"required"`
	FunctionName string          `yaml:"function_name" json:"function_name" csv:"function_name" validate:"required"`
	RiskCategory RiskCategory    `yaml:"risk_category" json:"risk_category" csv:"risk_category" validate:"required,oneof=SMALL NORMAL LARGE"`
	// StopLoss is the protective stop price. None when the request carries
	// no bracket.
	StopLoss optional.Option[decimal.Decimal] `yaml:"stop_loss" json:"stop_loss" csv:"stop_loss"`
	// TakeProfit is the profit target price. None when the request carries
	// no bracket.
	TakeProfit optional.Option[decimal.Decimal] `yaml:"take_profit" json:"take_profit" csv:"take_profit"`
}

// Order is the durable record of a placed order.
type Order struct {
	OrderID   string          `yaml:"order_id" json:"order_id" csv:"order_id"`
	Symbol    string          `yaml:"symbol" json:"symbol" csv:"symbol" validate:"required"`
	Side      OrderSide       `yaml:"side" json:"side" csv:"side" validate:"required,oneof=BUY SELL"`
	OrderType OrderType       `yaml:"order_type" json:"order_type" csv:"order_type" validate:"required,oneof=MARKET LIMIT STOP STOP_LIMIT"`
	Quantity  int64           `yaml:"quantity" json:"quantity" csv:"quantity" validate:"required,gt=0"`
	Price     decimal.Decimal `yaml:"price" json:"price" csv:"price"`
	Timestamp time.Time       `yaml:"timestamp" json:"timestamp" csv:"timestamp" validate:"required"`
	// Status is the current lifecycle status of the order.
	Status OrderStatus `yaml:"status" json:"status" csv:"status"`
	// ParentOrderID groups the legs of a bracket. Empty for standalone
	// orders; children and parent share the same value.
	ParentOrderID string `yaml:"parent_order_id" json:"parent_order_id" csv:"parent_order_id"`
	// Transmit mirrors the broker transmit flag. Bracket children are
	// staged with Transmit=false so the whole bracket activates atomically
	// when the parent transmits.
	Transmit bool `yaml:"transmit" json:"transmit" csv:"transmit"`
	// Reason records why the order was created.
	Reason Reason `yaml:"reason" json:"reason" csv:"reason" validate:"required"`
	// FunctionName is the execution function whose signal created the order.
	FunctionName string          `yaml:"function_name" json:"function_name" csv:"function_name" validate:"required"`
	FilledPrice  decimal.Decimal `yaml:"filled_price" json:"filled_price" csv:"filled_price"`
	FilledAt     time.Time       `yaml:"filled_at" json:"filled_at" csv:"filled_at"`
}

// OrderResult reports the outcome of a place, modify, or cancel call.
type OrderResult struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
	Success bool        `json:"success"`
	Message string      `json:"message"`
	// Orders lists every record created by the call. A bracket produces
	// three: parent, stop child, limit child.
	Orders []Order `json:"orders,omitempty"`
}

// Validate validates the OrderRequest struct and its bracket prices.
func (r *OrderRequest) Validate() error {
	validate := validator.New()

	if err := validate.Struct(r); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrderRequest, "invalid order request", err)
	}

	if r.OrderType != OrderTypeMarket && !r.Price.IsPositive() {
		return errors.Newf(errors.ErrCodeInvalidOrderRequest, "%s order requires a positive price", r.OrderType)
	}

	if r.StopLoss.IsSome() {
		if sl := r.StopLoss.Unwrap(); !sl.IsPositive() {
			return errors.New(errors.ErrCodeInvalidStopLoss, "stop loss must be positive")
		}
	}

	if r.TakeProfit.IsSome() {
		if tp := r.TakeProfit.Unwrap(); !tp.IsPositive() {
			return errors.New(errors.ErrCodeInvalidTakeProfit, "take profit must be positive")
		}
	}

	return nil
}

// Validate validates the Order struct.
func (o *Order) Validate() error {
	validate := validator.New()
	if err := validate.Struct(o); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrder, "invalid order", err)
	}

	return nil
}
