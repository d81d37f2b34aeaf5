package domain

import (
	"math"
	"time"
)

// MaxQuantity is the largest quantity a single line can hold.
const MaxQuantity = 999

type Cart struct {
	SessionID string     `json:"session_id" bson:"_id"`
	Items     []CartItem `json:"items" bson:"items"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
}

// CartItem is one product line. Name, Image and Price are captured when the
// line is created and are not refreshed by later adds of the same product.
type CartItem struct {
	ProductID string `json:"product_id" bson:"product_id"`
	Name      string `json:"name" bson:"name"`
	Image     string `json:"image" bson:"image"`
	Price     int64  `json:"price" bson:"price"`
	Quantity  int    `json:"quantity" bson:"quantity"`
}

// LineTotal is price times quantity, saturating at math.MaxInt64.
func (i CartItem) LineTotal() int64 {
	if i.Quantity < 1 || i.Price < 0 {
		return 0
	}
	q := int64(i.Quantity)
	if i.Price > math.MaxInt64/q {
		return math.MaxInt64
	}
	return i.Price * q
}

// TotalPrice sums the line totals of items, saturating at math.MaxInt64.
func TotalPrice(items []CartItem) int64 {
	var total int64
	for _, item := range items {
		line := item.LineTotal()
		if total > math.MaxInt64-line {
			return math.MaxInt64
		}
		total += line
	}
	return total
}

// Snapshot represents the cart state handed to checkout
type Snapshot struct {
	Items       []CartItem `json:"items"`
	TotalAmount int64      `json:"total_amount"`
	CapturedAt  time.Time  `json:"captured_at"`
}
