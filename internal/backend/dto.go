package backend

import (
	"math"

	"github.com/fjod/foodee-cart/internal/domain"
)

type envelope struct {
	Message string   `json:"message"`
	Data    *cartDTO `json:"data"`
	Cart    *cartDTO `json:"cart"`
}

func (e envelope) cart() *cartDTO {
	if e.Data != nil {
		return e.Data
	}
	return e.Cart
}

type cartDTO struct {
	ID         domain.ExternalID `json:"id"`
	UserID     domain.ExternalID `json:"userId"`
	CartItems  []cartItemDTO     `json:"cartItems"`
	TotalPrice float64           `json:"totalPrice"`
}

type cartItemDTO struct {
	ID           domain.ExternalID `json:"id"`
	ProductID    domain.ExternalID `json:"productId"`
	ProductName  string            `json:"productName"`
	ProductImage string            `json:"productImage"`
	Price        float64           `json:"price"`
	Quantity     int               `json:"quantity"`
	Subtotal     float64           `json:"subtotal"`
}

func (c cartItemDTO) toDomain() domain.CartItem {
	return domain.CartItem{
		ProductID: c.ProductID.String(),
		Name:      c.ProductName,
		Image:     c.ProductImage,
		Price:     wholeUnits(c.Price),
		Quantity:  c.Quantity,
	}
}

type productEnvelope struct {
	Message string      `json:"message"`
	Product *productDTO `json:"product"`
}

type productDTO struct {
	ID              domain.ExternalID `json:"id"`
	Name            string            `json:"name"`
	OriginalPrice   float64           `json:"originalPrice"`
	DiscountedPrice float64           `json:"discountedPrice"`
	Img             string            `json:"img"`
	Status          string            `json:"status"`
}

func (p productDTO) toDomain() domain.Product {
	return domain.Product{
		ID:              p.ID.String(),
		Name:            p.Name,
		Image:           p.Img,
		OriginalPrice:   wholeUnits(p.OriginalPrice),
		DiscountedPrice: wholeUnits(p.DiscountedPrice),
		Status:          p.Status,
	}
}

// wholeUnits rounds a decimal price to the integer currency unit.
func wholeUnits(v float64) int64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Round(v))
}
