package order

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNewOrderStartsPending(t *testing.T) {
	o := New(uuid.New(), "BTC", SideBuy, d("2"), d("50000"))

	if o.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", o.Status)
	}
	if !o.RemainingSize.Equal(d("2")) {
		t.Fatalf("expected remaining 2, got %s", o.RemainingSize)
	}
	if !o.TotalAmount.Equal(d("100000")) {
		t.Fatalf("expected total amount 100000, got %s", o.TotalAmount)
	}
}

func TestApplyFillPartialThenFull(t *testing.T) {
	o := New(uuid.New(), "BTC", SideBuy, d("2"), d("50000"))

	o.ApplyFill(d("1"), d("49000"))
	if o.Status != StatusPartiallyMatched {
		t.Fatalf("expected PARTIALLY_MATCHED, got %s", o.Status)
	}
	if !o.RemainingSize.Equal(d("1")) {
		t.Fatalf("expected remaining 1, got %s", o.RemainingSize)
	}
	if !o.AverageExecutionPrice.Equal(d("49000")) {
		t.Fatalf("expected avg price 49000, got %s", o.AverageExecutionPrice)
	}

	o.ApplyFill(d("1"), d("50000"))
	if o.Status != StatusMatched {
		t.Fatalf("expected MATCHED, got %s", o.Status)
	}
	if !o.RemainingSize.IsZero() {
		t.Fatalf("expected remaining 0, got %s", o.RemainingSize)
	}
	if !o.AverageExecutionPrice.Equal(d("49500")) {
		t.Fatalf("expected avg price 49500, got %s", o.AverageExecutionPrice)
	}
}

func TestApplyFillRoundsAveragePrice(t *testing.T) {
	o := New(uuid.New(), "BTC", SideBuy, d("3"), d("11"))

	o.ApplyFill(d("1"), d("10"))
	o.ApplyFill(d("2"), d("10.01"))

	// (10 + 2 x 10.01) / 3 = 10.00666..., rounded half-up to 10.01.
	if !o.AverageExecutionPrice.Equal(d("10.01")) {
		t.Fatalf("expected avg price 10.01, got %s", o.AverageExecutionPrice)
	}
}

func TestIsCancelable(t *testing.T) {
	o := New(uuid.New(), "BTC", SideSell, d("1"), d("100"))
	if !o.IsCancelable() {
		t.Fatalf("pending order should be cancelable")
	}

	o.Status = StatusPartiallyMatched
	if !o.IsCancelable() {
		t.Fatalf("partially matched order should be cancelable")
	}

	o.Status = StatusMatched
	if o.IsCancelable() {
		t.Fatalf("matched order should not be cancelable")
	}

	o.Status = StatusCanceled
	if o.IsCancelable() {
		t.Fatalf("canceled order should not be cancelable")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	o := New(uuid.New(), "BTC", SideBuy, d("1"), d("100"))
	cp := o.Clone()

	o.ApplyFill(d("1"), d("100"))

	if cp.Status != StatusPending {
		t.Fatalf("clone mutated alongside original: %s", cp.Status)
	}
	if !cp.RemainingSize.Equal(d("1")) {
		t.Fatalf("clone remaining mutated: %s", cp.RemainingSize)
	}
}

func TestNewExecutionValue(t *testing.T) {
	buy := New(uuid.New(), "BTC", SideBuy, d("2"), d("50000"))
	sell := New(uuid.New(), "BTC", SideSell, d("2"), d("49000"))

	exec := NewExecution(buy, sell, d("49000"), d("2"))

	if exec.BuyOrderID != buy.ID || exec.SellOrderID != sell.ID {
		t.Fatalf("execution order ids mismatch")
	}
	if !exec.Value.Equal(d("98000")) {
		t.Fatalf("expected value 98000, got %s", exec.Value)
	}
}
