package cartstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fjod/foodee-cart/internal/domain"
	"github.com/fjod/foodee-cart/internal/persist"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const DefaultTimeout = 5 * time.Second

type Options struct {
	Backend   Backend
	Catalog   Catalog
	Persister Persister
	// RequireAuth rejects mutations from sessions without credentials
	// instead of keeping an anonymous cart.
	RequireAuth bool
	Timeout     time.Duration
	// IdleTTL is how long a Registry keeps a session that is not opened.
	// Zero keeps sessions until they end.
	IdleTTL time.Duration
	Logger  zerolog.Logger
}

// Store owns the cart of a single session.
//
// Mutations issued while a backend call is in flight are not blocked.
// Every mutation takes a sequence number when issued; on response it is
// applied by product id unless a newer operation on the same line (or a
// newer clear) has already been applied.
type Store struct {
	key         string
	backend     Backend
	catalog     Catalog
	persist     Persister
	requireAuth bool
	timeout     time.Duration
	log         zerolog.Logger

	mu       sync.RWMutex
	session  Session
	items    []domain.CartItem
	seq      uint64
	inflight int
	touched  map[string]uint64 // last applied operation per line
	absolute map[string]uint64 // last applied set/remove per line
	cleared  uint64
	reload   bool // no load applied since creation or the last login change

	localMu sync.Mutex // serializes anonymous mutations with persistence
	sfg     singleflight.Group
}

func NewStore(key string, session Session, opts Options) *Store {
	if session == nil {
		session = anonymous{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{
		key:         key,
		backend:     opts.Backend,
		catalog:     opts.Catalog,
		persist:     opts.Persister,
		requireAuth: opts.RequireAuth,
		timeout:     timeout,
		log:         opts.Logger.With().Str("component", "cartstore").Str("session", key).Logger(),
		session:     session,
		touched:     make(map[string]uint64),
		absolute:    make(map[string]uint64),
		reload:      true,
	}
}

func (s *Store) Key() string {
	return s.key
}

// SetSession replaces the session. When the credentials change the lines
// of the previous login are dropped and the store waits for a reload.
func (s *Store) SetSession(session Session) {
	if session == nil {
		session = anonymous{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before, _ := s.session.Credentials()
	after, _ := session.Credentials()
	s.session = session
	if before == after {
		return
	}
	s.seq++
	s.cleared = s.seq
	s.items = nil
	s.reload = true
}

// NeedsReload reports whether no Refresh has been applied since the store
// was created or its credentials changed.
func (s *Store) NeedsReload() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reload
}

func (s *Store) Session() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Items returns a copy of the current lines in insertion order.
func (s *Store) Items() []domain.CartItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) TotalPrice() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.TotalPrice(s.items)
}

func (s *Store) Snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.Snapshot{
		Items:       slices.Clone(s.items),
		TotalAmount: domain.TotalPrice(s.items),
		CapturedAt:  time.Now(),
	}
}

// AddItem adds quantity units of productID, resolving name, image and price
// through the backend or the catalog.
func (s *Store) AddItem(ctx context.Context, productID string, quantity int) error {
	return s.add(ctx, productID, quantity, nil)
}

// AddProduct is AddItem with display attributes taken from product.
func (s *Store) AddProduct(ctx context.Context, product domain.Product, quantity int) error {
	return s.add(ctx, product.ID, quantity, &product)
}

func (s *Store) add(ctx context.Context, productID string, quantity int, product *domain.Product) error {
	if productID == "" {
		return fmt.Errorf("add item: %w: empty product id", ErrInvalidArgument)
	}
	if quantity <= 0 {
		return fmt.Errorf("add item: %w: quantity must be greater than 0", ErrInvalidArgument)
	}
	if current := s.quantityOf(productID); quantity > domain.MaxQuantity-current {
		return fmt.Errorf("add item %s: %w: quantity would exceed %d", productID, ErrInvalidArgument, domain.MaxQuantity)
	}
	if product != nil && !product.Available() {
		return fmt.Errorf("add item %s: %w", productID, ErrProductUnavailable)
	}

	token, remote, err := s.mode()
	if err != nil {
		return fmt.Errorf("add item: %w", err)
	}
	if remote {
		return s.addRemote(ctx, token, productID, quantity, product)
	}
	return s.addLocal(ctx, productID, quantity, product)
}

func (s *Store) addRemote(ctx context.Context, token, productID string, quantity int, product *domain.Product) error {
	n := s.begin()
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	line, err := s.backend.AddToCart(callCtx, token, productID, quantity)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if err != nil {
		s.log.Error().Err(err).Str("product_id", productID).Msg("backend add to cart failed")
		return backendError("add item "+productID, err, true)
	}
	if s.cleared > n || s.absolute[productID] > n {
		s.log.Debug().Str("product_id", productID).Uint64("seq", n).Msg("discarding superseded add")
		return nil
	}

	s.touched[productID] = n
	if i := s.indexLocked(productID); i >= 0 {
		s.items[i].Quantity = min(s.items[i].Quantity+quantity, domain.MaxQuantity)
		return nil
	}
	item := domain.CartItem{
		ProductID: productID,
		Name:      line.Name,
		Image:     line.Image,
		Price:     line.Price,
		Quantity:  quantity,
	}
	if product != nil {
		fillFromProduct(&item, *product)
	}
	s.items = append(s.items, item)
	return nil
}

func (s *Store) addLocal(ctx context.Context, productID string, quantity int, product *domain.Product) error {
	if product == nil {
		if s.catalog == nil {
			return fmt.Errorf("add item %s: %w: no catalog to resolve product", productID, ErrRequestFailed)
		}
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		p, err := s.catalog.GetProduct(callCtx, productID)
		cancel()
		if err != nil {
			s.log.Error().Err(err).Str("product_id", productID).Msg("catalog lookup failed")
			return backendError("add item "+productID, err, true)
		}
		if !p.Available() {
			return fmt.Errorf("add item %s: %w", productID, ErrProductUnavailable)
		}
		product = &p
	}

	return s.mutateLocal(ctx, "add item "+productID, func(items []domain.CartItem) ([]domain.CartItem, bool) {
		if i := indexOf(items, productID); i >= 0 {
			items[i].Quantity = min(items[i].Quantity+quantity, domain.MaxQuantity)
			return items, true
		}
		item := domain.CartItem{ProductID: productID, Quantity: quantity}
		fillFromProduct(&item, *product)
		return append(items, item), true
	})
}

// UpdateQuantity changes the quantity of productID by delta. The result is
// kept between 1 and domain.MaxQuantity; removal is only done by RemoveItem.
// Absent products are ignored.
func (s *Store) UpdateQuantity(ctx context.Context, productID string, delta int) error {
	delta = max(min(delta, domain.MaxQuantity), -domain.MaxQuantity)
	return s.changeQuantity(ctx, productID, func(current int) int { return current + delta })
}

// SetQuantity replaces the quantity of productID, kept between 1 and
// domain.MaxQuantity.
func (s *Store) SetQuantity(ctx context.Context, productID string, quantity int) error {
	return s.changeQuantity(ctx, productID, func(int) int { return quantity })
}

func (s *Store) changeQuantity(ctx context.Context, productID string, next func(int) int) error {
	if productID == "" {
		return fmt.Errorf("update quantity: %w: empty product id", ErrInvalidArgument)
	}
	token, remote, err := s.mode()
	if err != nil {
		return fmt.Errorf("update quantity: %w", err)
	}
	if !remote {
		return s.mutateLocal(ctx, "update quantity "+productID, func(items []domain.CartItem) ([]domain.CartItem, bool) {
			i := indexOf(items, productID)
			if i < 0 {
				return items, false
			}
			target := clampQuantity(next(items[i].Quantity))
			if target == items[i].Quantity {
				return items, false
			}
			items[i].Quantity = target
			return items, true
		})
	}

	s.mu.Lock()
	i := s.indexLocked(productID)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	target := clampQuantity(next(s.items[i].Quantity))
	if target == s.items[i].Quantity {
		s.mu.Unlock()
		return nil
	}
	s.seq++
	s.inflight++
	n := s.seq
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	_, err = s.backend.UpdateLine(callCtx, token, productID, target)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if err != nil {
		s.log.Error().Err(err).Str("product_id", productID).Msg("backend update quantity failed")
		return backendError("update quantity "+productID, err, false)
	}
	if s.staleLocked(productID, n) {
		s.log.Debug().Str("product_id", productID).Uint64("seq", n).Msg("discarding superseded quantity update")
		return nil
	}
	s.touched[productID] = n
	s.absolute[productID] = n
	if i := s.indexLocked(productID); i >= 0 {
		s.items[i].Quantity = target
	}
	return nil
}

// RemoveItem drops the line for productID. Absent products are ignored.
func (s *Store) RemoveItem(ctx context.Context, productID string) error {
	if productID == "" {
		return fmt.Errorf("remove item: %w: empty product id", ErrInvalidArgument)
	}
	token, remote, err := s.mode()
	if err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	if !remote {
		return s.mutateLocal(ctx, "remove item "+productID, func(items []domain.CartItem) ([]domain.CartItem, bool) {
			i := indexOf(items, productID)
			if i < 0 {
				return items, false
			}
			return slices.Delete(items, i, i+1), true
		})
	}

	s.mu.Lock()
	if s.indexLocked(productID) < 0 {
		s.mu.Unlock()
		return nil
	}
	s.seq++
	s.inflight++
	n := s.seq
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.backend.RemoveLine(callCtx, token, productID)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if err != nil {
		s.log.Error().Err(err).Str("product_id", productID).Msg("backend remove item failed")
		return backendError("remove item "+productID, err, false)
	}
	if s.staleLocked(productID, n) {
		s.log.Debug().Str("product_id", productID).Uint64("seq", n).Msg("discarding superseded remove")
		return nil
	}
	s.touched[productID] = n
	s.absolute[productID] = n
	if i := s.indexLocked(productID); i >= 0 {
		s.items = slices.Delete(s.items, i, i+1)
	}
	return nil
}

// Clear empties the cart. Lines changed by operations issued after the
// clear are kept when the clear response arrives late.
func (s *Store) Clear(ctx context.Context) error {
	token, remote, err := s.mode()
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	if !remote {
		return s.mutateLocal(ctx, "clear cart", func(items []domain.CartItem) ([]domain.CartItem, bool) {
			return nil, len(items) > 0
		})
	}

	n := s.begin()
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.backend.ClearCart(callCtx, token)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if err != nil {
		s.log.Error().Err(err).Msg("backend clear cart failed")
		return backendError("clear cart", err, false)
	}
	if s.cleared > n {
		return nil
	}
	s.cleared = n
	s.items = slices.DeleteFunc(s.items, func(item domain.CartItem) bool {
		return s.touched[item.ProductID] <= n
	})
	return nil
}

// Reset empties the in-memory cart without contacting the backend. Used
// once the backend has already emptied the cart, e.g. after an order.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.cleared = s.seq
	s.items = nil
}

// Refresh reloads the cart from the backend for authenticated sessions or
// from persistence for anonymous ones. The loaded state is discarded when
// any mutation was in flight or issued while loading.
func (s *Store) Refresh(ctx context.Context) error {
	_, err, _ := s.sfg.Do("refresh", func() (interface{}, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *Store) refresh(ctx context.Context) error {
	s.mu.RLock()
	token, remote := s.session.Credentials()
	remote = remote && s.backend != nil
	start, busy := s.seq, s.inflight
	s.mu.RUnlock()

	var items []domain.CartItem
	switch {
	case remote:
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		fetched, err := s.backend.FetchCart(callCtx, token)
		cancel()
		if err != nil {
			s.log.Error().Err(err).Msg("backend fetch cart failed")
			return backendError("fetch cart", err, false)
		}
		items = fetched
	case s.requireAuth:
		// no login, no cart
	case s.persist != nil:
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		cart, err := s.persist.Load(callCtx, s.key)
		cancel()
		if err != nil && !errors.Is(err, persist.ErrCartNotFound) {
			s.log.Error().Err(err).Msg("load persisted cart failed")
			return fmt.Errorf("load cart: %w: %s", ErrRequestFailed, err.Error())
		}
		if cart != nil {
			items = cart.Items
		}
	default:
		// memory only, nothing to load
		s.mu.Lock()
		s.reload = false
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if busy > 0 || s.seq != start {
		s.log.Debug().Uint64("seq", start).Msg("discarding superseded cart snapshot")
		return nil
	}
	s.seq++
	s.cleared = s.seq
	s.items = normalize(items)
	s.reload = false
	return nil
}

// mode reports whether the next mutation goes to the backend.
func (s *Store) mode() (token string, remote bool, err error) {
	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()

	token, ok := session.Credentials()
	if ok && s.backend != nil {
		return token, true, nil
	}
	if s.requireAuth {
		return "", false, ErrUnauthenticated
	}
	return "", false, nil
}

func (s *Store) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.inflight++
	return s.seq
}

// staleLocked reports whether a set/remove issued at n was overtaken.
func (s *Store) staleLocked(productID string, n uint64) bool {
	return s.cleared > n || s.touched[productID] > n
}

func (s *Store) indexLocked(productID string) int {
	return indexOf(s.items, productID)
}

func (s *Store) quantityOf(productID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(productID); i >= 0 {
		return s.items[i].Quantity
	}
	return 0
}

// mutateLocal applies fn to a copy of the items, persists the result and
// only then publishes it.
func (s *Store) mutateLocal(ctx context.Context, op string, fn func([]domain.CartItem) ([]domain.CartItem, bool)) error {
	s.localMu.Lock()
	defer s.localMu.Unlock()

	next, changed := fn(s.Items())
	if !changed {
		return nil
	}

	if s.persist != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.persist.Save(callCtx, &domain.Cart{SessionID: s.key, Items: next, UpdatedAt: time.Now()})
		cancel()
		if err != nil {
			s.log.Error().Err(err).Str("op", op).Msg("persist cart failed")
			return fmt.Errorf("%s: %w: %s", op, ErrRequestFailed, err.Error())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.items = next
	return nil
}

func indexOf(items []domain.CartItem, productID string) int {
	return slices.IndexFunc(items, func(item domain.CartItem) bool {
		return item.ProductID == productID
	})
}

func clampQuantity(q int) int {
	return max(1, min(q, domain.MaxQuantity))
}

func fillFromProduct(item *domain.CartItem, p domain.Product) {
	if item.Name == "" {
		item.Name = p.Name
	}
	if item.Image == "" {
		item.Image = p.Image
	}
	if item.Price == 0 {
		item.Price = p.EffectivePrice()
	}
}

// normalize merges duplicate product lines, caps quantities at
// domain.MaxQuantity and drops lines without a positive quantity.
func normalize(items []domain.CartItem) []domain.CartItem {
	out := make([]domain.CartItem, 0, len(items))
	for _, item := range items {
		if item.ProductID == "" || item.Quantity < 1 {
			continue
		}
		item.Quantity = min(item.Quantity, domain.MaxQuantity)
		if i := indexOf(out, item.ProductID); i >= 0 {
			out[i].Quantity = min(out[i].Quantity+item.Quantity, domain.MaxQuantity)
			continue
		}
		out = append(out, item)
	}
	return out
}
