package domain

const ProductStatusAvailable = "AVAILABLE"

type Product struct {
	ID              string
	Name            string
	Image           string
	OriginalPrice   int64
	DiscountedPrice int64
	Status          string
}

// EffectivePrice is the discounted price when one is set, otherwise the
// original price.
func (p Product) EffectivePrice() int64 {
	if p.DiscountedPrice > 0 {
		return p.DiscountedPrice
	}
	return p.OriginalPrice
}

func (p Product) Available() bool {
	return p.Status == "" || p.Status == ProductStatusAvailable
}
