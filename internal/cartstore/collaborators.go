package cartstore

import (
	"context"

	"github.com/fjod/foodee-cart/internal/domain"
)

// Backend is the remote cart API used for authenticated sessions.
// Consumers define this interface, not the HTTP implementation.
type Backend interface {
	AddToCart(ctx context.Context, token, productID string, quantity int) (domain.CartItem, error)
	UpdateLine(ctx context.Context, token, productID string, quantity int) (domain.CartItem, error)
	RemoveLine(ctx context.Context, token, productID string) error
	ClearCart(ctx context.Context, token string) error
	FetchCart(ctx context.Context, token string) ([]domain.CartItem, error)
}

type Catalog interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
}

// Session reports whether a valid login exists and supplies the
// credentials attached to backend calls.
type Session interface {
	Credentials() (token string, ok bool)
	UserID() string
}

// Persister keeps anonymous carts between page loads.
type Persister interface {
	Load(ctx context.Context, key string) (*domain.Cart, error)
	Save(ctx context.Context, cart *domain.Cart) error
	Delete(ctx context.Context, key string) error
}

type anonymous struct{}

func (anonymous) Credentials() (string, bool) { return "", false }
func (anonymous) UserID() string              { return "" }
