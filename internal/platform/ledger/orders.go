package ledger

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/events"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderPreparing OrderStatus = "PREPARING"
	OrderReady     OrderStatus = "READY"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderConfirmed, OrderCancelled},
	OrderConfirmed: {OrderPreparing, OrderCancelled},
	OrderPreparing: {OrderReady, OrderCancelled},
	OrderReady:     {OrderDelivered, OrderCancelled},
}

func ParseOrderStatus(v string) (OrderStatus, bool) {
	s := OrderStatus(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case OrderPending, OrderConfirmed, OrderPreparing, OrderReady, OrderDelivered, OrderCancelled:
		return s, true
	}
	return "", false
}

func CanTransitionOrder(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	MethodCashless PaymentMethod = "CASHLESS"
	MethodCard     PaymentMethod = "CARD"
	MethodCash     PaymentMethod = "CASH"
)

func ParsePaymentMethod(v string) (PaymentMethod, bool) {
	m := PaymentMethod(strings.ToUpper(strings.TrimSpace(v)))
	switch m {
	case MethodCashless, MethodCard, MethodCash:
		return m, true
	}
	return "", false
}

const maxItemQuantity = 10000

type OrderItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

func (i OrderItem) Total() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID                    string
	FestivalID            string
	VendorID              string
	BuyerUserID           string
	Items                 []OrderItem
	TotalAmount           decimal.Decimal
	Commission            decimal.Decimal
	PaymentMethod         PaymentMethod
	Status                OrderStatus
	CashlessTransactionID string
	Notes                 string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (o Order) ItemCount() int {
	n := 0
	for _, i := range o.Items {
		n += i.Quantity
	}
	return n
}

type NewOrder struct {
	FestivalID    string
	BuyerUserID   string
	Items         []OrderItem
	PaymentMethod PaymentMethod
	Notes         string
}

func (e *Engine) vendor(ctx context.Context, id string) (Vendor, error) {
	v, err := e.dir.Vendor(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return Vendor{}, NotFound(ReasonVendorNotFound, "vendor %s not found", id)
	}
	return v, err
}

func validateItems(items []OrderItem) error {
	if len(items) == 0 {
		return BadRequest(ReasonInvalidOrder, "order has no items")
	}
	for i, it := range items {
		if strings.TrimSpace(it.ProductID) == "" || strings.TrimSpace(it.Name) == "" {
			return BadRequest(ReasonInvalidOrder, "item %d: product id and name are required", i)
		}
		if it.Quantity <= 0 {
			return BadRequest(ReasonInvalidOrder, "item %d: quantity must be positive", i)
		}
		if !ValidScale(it.UnitPrice) || it.UnitPrice.IsNegative() {
			return BadRequest(ReasonInvalidAmount, "item %d: invalid unit price", i)
		}
		if it.Quantity > maxItemQuantity {
			return BadRequest(ReasonInvalidOrder, "item %d: quantity exceeds %d", i, maxItemQuantity)
		}
	}
	return nil
}

// SettleOrder records a vendor order. A CASHLESS order debits the buyer with
// the same checks as Pay and stores the order in the same transaction as
// the payment entry.
func (e *Engine) SettleOrder(ctx context.Context, vendorID string, in NewOrder) (order Order, err error) {
	defer e.track(ctx, "settle_order", time.Now(), &err)

	if err := validateItems(in.Items); err != nil {
		return Order{}, err
	}
	if _, ok := ParsePaymentMethod(string(in.PaymentMethod)); !ok {
		return Order{}, BadRequest(ReasonInvalidOrder, "unknown payment method %q", in.PaymentMethod)
	}
	v, err := e.vendor(ctx, vendorID)
	if err != nil {
		return Order{}, err
	}
	if v.FestivalID != in.FestivalID {
		return Order{}, BadRequest(ReasonInvalidOrder, "vendor %s does not trade at festival %s", v.ID, in.FestivalID)
	}
	f, err := e.festival(ctx, in.FestivalID)
	if err != nil {
		return Order{}, err
	}

	total := decimal.Zero
	for _, it := range in.Items {
		total = total.Add(it.Total())
	}
	if total.GreaterThan(MaxAmount) {
		return Order{}, BadRequest(ReasonInvalidAmount, "order total exceeds the maximum of %s", MaxAmount.StringFixed(2))
	}
	now := e.now()
	order = Order{
		ID:            newID(),
		FestivalID:    f.ID,
		VendorID:      v.ID,
		BuyerUserID:   in.BuyerUserID,
		Items:         append([]OrderItem(nil), in.Items...),
		TotalAmount:   total,
		Commission:    total.Mul(v.CommissionRate).Round(2),
		PaymentMethod: in.PaymentMethod,
		Status:        OrderPending,
		Notes:         strings.TrimSpace(in.Notes),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var entry Entry
	if in.PaymentMethod == MethodCashless {
		if err := validateAmount(total); err != nil {
			return Order{}, err
		}
		var buyer Account
		if buyer, err = e.accountByUser(ctx, in.BuyerUserID); err != nil {
			return Order{}, err
		}
		err = e.store.WithinTx(ctx, func(tx Tx) error {
			a, err := lockAccount(ctx, tx, buyer.ID)
			if err != nil {
				return err
			}
			if !a.Active {
				return Forbidden(ReasonAccountInactive, "cashless account is deactivated")
			}
			if f.Status != FestivalOngoing {
				return BadRequest(ReasonFestivalNotOngoing, "festival %s is not ongoing", f.ID).With("status", string(f.Status))
			}
			if a.Balance.LessThan(total) {
				return insufficientBalance(a.Balance, total)
			}
			entry = applyEntry(&a, f.ID, KindPayment, total.Neg(), "Order at "+v.Name, in.BuyerUserID, now, map[string]string{
				"vendorId":  v.ID,
				"orderId":   order.ID,
				"itemCount": strconv.Itoa(order.ItemCount()),
			})
			if err := tx.UpdateAccount(ctx, a); err != nil {
				return err
			}
			if err := tx.AppendEntry(ctx, entry); err != nil {
				return err
			}
			order.CashlessTransactionID = entry.ID
			return tx.InsertOrder(ctx, order)
		})
	} else {
		err = e.store.WithinTx(ctx, func(tx Tx) error {
			return tx.InsertOrder(ctx, order)
		})
	}
	if err != nil {
		return Order{}, mapDuplicate(err)
	}

	if entry.ID != "" {
		e.recordEntries(entry)
	}
	e.publish(ctx, events.OrderSettled, map[string]any{
		"orderId":       order.ID,
		"vendorId":      order.VendorID,
		"festivalId":    order.FestivalID,
		"paymentMethod": string(order.PaymentMethod),
		"total":         order.TotalAmount.StringFixed(2),
		"transactionId": order.CashlessTransactionID,
	})
	return order, nil
}

func (e *Engine) GetOrder(ctx context.Context, orderID string) (Order, error) {
	o, err := e.store.Order(ctx, orderID)
	if errors.Is(err, ErrRecordNotFound) {
		return Order{}, NotFound(ReasonOrderNotFound, "order %s not found", orderID)
	}
	return o, err
}

// TransitionOrder moves an order along its status graph on behalf of
// vendorID. Cancelling a cashless order refunds the buyer in the same
// transaction.
func (e *Engine) TransitionOrder(ctx context.Context, vendorID, orderID string, next OrderStatus) (order Order, err error) {
	defer e.track(ctx, "transition_order", time.Now(), &err)

	var reversal *Entry
	var from OrderStatus
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if errors.Is(err, ErrRecordNotFound) {
			return NotFound(ReasonOrderNotFound, "order %s not found", orderID)
		}
		if err != nil {
			return err
		}
		if o.VendorID != vendorID {
			return Forbidden(ReasonVendorMismatch, "order %s belongs to another vendor", o.ID)
		}
		if !CanTransitionOrder(o.Status, next) {
			return BadRequest(ReasonInvalidOrderTransition, "cannot transition order from %s to %s", o.Status, next).
				With("from", string(o.Status)).
				With("to", string(next))
		}
		if next == OrderCancelled {
			reversal, err = e.reverseOrderTx(ctx, tx, o)
			if err != nil {
				return err
			}
		}
		from = o.Status
		o.Status = next
		o.UpdatedAt = e.now()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	e.publish(ctx, events.OrderStatusChanged, map[string]any{
		"orderId":  order.ID,
		"vendorId": order.VendorID,
		"from":     string(from),
		"to":       string(order.Status),
	})
	if reversal != nil {
		e.recordEntries(*reversal)
		e.publish(ctx, events.OrderReversed, map[string]any{
			"orderId":       order.ID,
			"transactionId": reversal.ID,
			"amount":        reversal.Amount.StringFixed(2),
		})
	}
	return order, nil
}

// reverseOrderTx undoes the cashless payment of o, if any.
func (e *Engine) reverseOrderTx(ctx context.Context, tx Tx, o Order) (*Entry, error) {
	if o.CashlessTransactionID == "" {
		return nil, nil
	}
	entry, err := e.refundOrderPaymentTx(ctx, tx, o)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// refundOrderPaymentTx credits back exactly the amount of the order's
// PAYMENT entry. Credits are applied to deactivated accounts too: the money
// belongs to the attendee either way.
func (e *Engine) refundOrderPaymentTx(ctx context.Context, tx Tx, o Order) (Entry, error) {
	pay, err := tx.Entry(ctx, o.CashlessTransactionID)
	if errors.Is(err, ErrRecordNotFound) {
		return Entry{}, NotFound(ReasonTransactionNotFound, "payment transaction %s not found", o.CashlessTransactionID)
	}
	if err != nil {
		return Entry{}, err
	}
	a, err := lockAccount(ctx, tx, pay.AccountID)
	if err != nil {
		return Entry{}, err
	}
	entry := applyEntry(&a, pay.FestivalID, KindRefund, pay.Amount.Neg(), "Refund for cancelled order", performer(ctx, o.VendorID), e.now(), map[string]string{
		"orderId":               o.ID,
		"originalTransactionId": pay.ID,
		"vendorId":              o.VendorID,
	})
	if err := tx.UpdateAccount(ctx, a); err != nil {
		return Entry{}, err
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
