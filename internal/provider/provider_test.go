package provider

import (
	"time"

	"github.com/DB59s/tmdt-payments/internal/payment"
)

func testOrder() *payment.Order {
	return &payment.Order{
		ID:            "ord_test0001",
		Code:          "ORD-2024-001",
		Amount:        500000,
		Currency:      "VND",
		PaymentStatus: payment.OrderUnpaid,
		CreatedAt:     time.Now(),
	}
}
