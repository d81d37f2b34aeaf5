package cartstore

import (
	"context"
	"net/http"
	"slices"
	"sync"

	"github.com/fjod/foodee-cart/internal/backend"
	"github.com/fjod/foodee-cart/internal/domain"
	"github.com/fjod/foodee-cart/internal/persist"
)

type mockBackend struct {
	mu          sync.Mutex
	products    map[string]domain.CartItem
	cart        []domain.CartItem
	unavailable map[string]bool
	err         error
	gates       map[string]chan struct{}
	calls       []string
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		products: map[string]domain.CartItem{
			"p1": {ProductID: "p1", Name: "Pho bo", Image: "/img/p1.png", Price: 50000},
			"p2": {ProductID: "p2", Name: "Banh mi", Image: "/img/p2.png", Price: 30000},
			"p3": {ProductID: "p3", Name: "Che", Image: "/img/p3.png", Price: 20000},
		},
		unavailable: map[string]bool{},
		gates:       map[string]chan struct{}{},
	}
}

// hold makes the next calls named key block until the returned func runs.
func (m *mockBackend) hold(key string) func() {
	ch := make(chan struct{})
	m.mu.Lock()
	m.gates[key] = ch
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.gates, key)
		m.mu.Unlock()
		close(ch)
	}
}

func (m *mockBackend) called(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == key {
			n++
		}
	}
	return n
}

func (m *mockBackend) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *mockBackend) enter(ctx context.Context, key string) error {
	m.mu.Lock()
	m.calls = append(m.calls, key)
	gate := m.gates[key]
	err := m.err
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *mockBackend) AddToCart(ctx context.Context, _ string, productID string, quantity int) (domain.CartItem, error) {
	if err := m.enter(ctx, "add:"+productID); err != nil {
		return domain.CartItem{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable[productID] {
		return domain.CartItem{}, &backend.StatusError{Code: http.StatusBadRequest, Message: "Lỗi: Sản phẩm không khả dụng"}
	}
	line := m.products[productID]
	line.ProductID = productID
	line.Quantity = quantity
	return line, nil
}

func (m *mockBackend) UpdateLine(ctx context.Context, _ string, productID string, quantity int) (domain.CartItem, error) {
	if err := m.enter(ctx, "update:"+productID); err != nil {
		return domain.CartItem{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	line := m.products[productID]
	line.Quantity = quantity
	return line, nil
}

func (m *mockBackend) RemoveLine(ctx context.Context, _ string, productID string) error {
	return m.enter(ctx, "remove:"+productID)
}

func (m *mockBackend) ClearCart(ctx context.Context, _ string) error {
	return m.enter(ctx, "clear")
}

func (m *mockBackend) FetchCart(ctx context.Context, _ string) ([]domain.CartItem, error) {
	if err := m.enter(ctx, "fetch"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.cart), nil
}

type mockCatalog struct {
	mu       sync.Mutex
	products map[string]domain.Product
	err      error
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{products: map[string]domain.Product{
		"p1": {ID: "p1", Name: "Pho bo", OriginalPrice: 60000, DiscountedPrice: 50000, Status: domain.ProductStatusAvailable},
		"p2": {ID: "p2", Name: "Banh mi", OriginalPrice: 30000, Status: domain.ProductStatusAvailable},
		"p9": {ID: "p9", Name: "Sold out", OriginalPrice: 10000, Status: "UNAVAILABLE"},
	}}
}

func (m *mockCatalog) GetProduct(_ context.Context, productID string) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.Product{}, m.err
	}
	p, ok := m.products[productID]
	if !ok {
		return domain.Product{}, &backend.StatusError{Code: http.StatusNotFound, Message: "Sản phẩm không tồn tại với ID: " + productID}
	}
	return p, nil
}

type mockPersister struct {
	mu      sync.Mutex
	carts   map[string]*domain.Cart
	saveErr error
	loadErr error
	saves   int
}

func newMockPersister() *mockPersister {
	return &mockPersister{carts: map[string]*domain.Cart{}}
}

func (m *mockPersister) Load(_ context.Context, key string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	cart, ok := m.carts[key]
	if !ok {
		return nil, persist.ErrCartNotFound
	}
	out := *cart
	out.Items = slices.Clone(cart.Items)
	return &out, nil
}

func (m *mockPersister) Save(_ context.Context, cart *domain.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	stored := *cart
	stored.Items = slices.Clone(cart.Items)
	m.carts[cart.SessionID] = &stored
	return nil
}

func (m *mockPersister) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.carts[key]; !ok {
		return persist.ErrCartNotFound
	}
	delete(m.carts, key)
	return nil
}

func (m *mockPersister) stored(key string) []domain.CartItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cart, ok := m.carts[key]; ok {
		return slices.Clone(cart.Items)
	}
	return nil
}

type fakeSession struct {
	token  string
	userID string
}

func (f fakeSession) Credentials() (string, bool) { return f.token, f.token != "" }
func (f fakeSession) UserID() string              { return f.userID }
