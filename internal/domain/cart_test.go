package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTotalPrice(t *testing.T) {
	items := []CartItem{
		{ProductID: "p1", Price: 50000, Quantity: 2},
		{ProductID: "p2", Price: 30000, Quantity: 1},
	}
	assert.Equal(t, int64(130000), TotalPrice(items))
}

func TestTotalPrice_Empty(t *testing.T) {
	assert.Equal(t, int64(0), TotalPrice(nil))
}

func TestLineTotal_NeverNegative(t *testing.T) {
	assert.Equal(t, int64(0), CartItem{Price: -10, Quantity: 3}.LineTotal())
	assert.Equal(t, int64(0), CartItem{Price: 10, Quantity: 0}.LineTotal())
}

func TestTotalPrice_Saturates(t *testing.T) {
	huge := CartItem{ProductID: "p1", Price: math.MaxInt64 / 2, Quantity: MaxQuantity}
	assert.Equal(t, int64(math.MaxInt64), huge.LineTotal())

	items := []CartItem{
		{ProductID: "p1", Price: math.MaxInt64 / 2, Quantity: 1},
		{ProductID: "p2", Price: math.MaxInt64 / 2, Quantity: 1},
		{ProductID: "p3", Price: 10, Quantity: 1},
	}
	assert.Equal(t, int64(math.MaxInt64), TotalPrice(items))
}

func TestEffectivePrice(t *testing.T) {
	assert.Equal(t, int64(45000), Product{OriginalPrice: 50000, DiscountedPrice: 45000}.EffectivePrice())
	assert.Equal(t, int64(50000), Product{OriginalPrice: 50000}.EffectivePrice())
}

func TestAvailable(t *testing.T) {
	assert.True(t, Product{Status: ProductStatusAvailable}.Available())
	assert.True(t, Product{}.Available())
	assert.False(t, Product{Status: "OUT_OF_STOCK"}.Available())
}
