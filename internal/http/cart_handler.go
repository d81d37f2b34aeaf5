package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fjod/foodee-cart/internal/cartstore"
	"github.com/fjod/foodee-cart/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxBodySize = 1 << 20 // 1MB

// Carts is the per-session store owner the handler works on.
type Carts interface {
	Open(ctx context.Context, key string, session cartstore.Session) (*cartstore.Store, error)
	End(ctx context.Context, key string) error
}

type CartHandler struct {
	carts   Carts
	timeout time.Duration
	log     zerolog.Logger
}

func NewCartHandler(carts Carts, timeout time.Duration, logger zerolog.Logger) *CartHandler {
	return &CartHandler{
		carts:   carts,
		timeout: timeout,
		log:     logger.With().Str("component", "http").Logger(),
	}
}

// Routes returns the cart API, mounted by the caller under /api/v1.
func (h *CartHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/cart", func(r chi.Router) {
		r.Get("/", h.GetCart)
		r.Delete("/", h.ClearCart)
		r.Get("/snapshot", h.Snapshot)
		r.Post("/refresh", h.Refresh)
		r.Post("/items", h.AddItem)
		r.Patch("/items/{product_id}", h.UpdateQuantity)
		r.Delete("/items/{product_id}", h.RemoveItem)
	})
	r.Delete("/session", h.EndSession)
	return r
}

type AddItemRequestDTO struct {
	ProductID domain.ExternalID `json:"product_id"`
	Quantity  *int              `json:"quantity,omitempty"`
}

// UpdateQuantityRequestDTO carries either a signed delta or an absolute
// quantity.
type UpdateQuantityRequestDTO struct {
	Delta    *int `json:"delta,omitempty"`
	Quantity *int `json:"quantity,omitempty"`
}

type CartItemDTO struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Image     string `json:"image,omitempty"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
	LineTotal int64  `json:"line_total"`
}

type CartResponseDTO struct {
	SessionID     string        `json:"session_id"`
	Authenticated bool          `json:"authenticated"`
	Items         []CartItemDTO `json:"items"`
	ItemCount     int           `json:"item_count"`
	TotalPrice    int64         `json:"total_price"`
}

type SnapshotResponseDTO struct {
	Items       []CartItemDTO `json:"items"`
	TotalAmount int64         `json:"total_amount"`
	CapturedAt  time.Time     `json:"captured_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	store, ok := h.open(ctx, w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(store))
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	store, ok := h.open(ctx, w, r)
	if !ok {
		return
	}
	if err := store.AddItem(ctx, req.ProductID.String(), quantity); err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toCartResponse(store))
}

func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID := chi.URLParam(r, "product_id")

	var req UpdateQuantityRequestDTO
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if (req.Delta == nil) == (req.Quantity == nil) {
		respondError(w, http.StatusBadRequest, "invalid_argument", "exactly one of delta or quantity is required")
		return
	}

	store, ok := h.open(ctx, w, r)
	if !ok {
		return
	}
	var err error
	if req.Delta != nil {
		err = store.UpdateQuantity(ctx, productID, *req.Delta)
	} else {
		err = store.SetQuantity(ctx, productID, *req.Quantity)
	}
	if err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(store))
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	store, ok := h.open(ctx, w, r)
	if !ok {
		return
	}
	if err := store.RemoveItem(ctx, chi.URLParam(r, "product_id")); err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(store))
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	store, ok := h.open(ctx, w, r)
	if !ok {
		return
	}
	if err := store.Clear(ctx); err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(store))
}

// Snapshot is the read-only copy handed to the checkout page.
func (h *CartHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	store, ok := h.open(ctx, w, r)
	if !ok {
		return
	}
	snap := store.Snapshot()
	respondJSON(w, http.StatusOK, SnapshotResponseDTO{
		Items:       toItemDTOs(snap.Items),
		TotalAmount: snap.TotalAmount,
		CapturedAt:  snap.CapturedAt,
	})
}

func (h *CartHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	store, ok := h.open(ctx, w, r)
	if !ok {
		return
	}
	if err := store.Refresh(ctx); err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(store))
}

func (h *CartHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.carts.End(ctx, getSessionID(r.Context())); err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandler) open(ctx context.Context, w http.ResponseWriter, r *http.Request) (*cartstore.Store, bool) {
	key := getSessionID(r.Context())
	if key == "" {
		respondError(w, http.StatusBadRequest, "missing_session", "missing "+SessionHeader)
		return nil, false
	}
	store, err := h.carts.Open(ctx, key, getSession(r.Context()))
	if err != nil {
		h.handleStoreError(w, r, err)
		return nil, false
	}
	return store, true
}

func (h *CartHandler) handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		httpStatus int
		code       string
		message    string
	)

	switch {
	case errors.Is(err, cartstore.ErrInvalidArgument):
		httpStatus, code, message = http.StatusBadRequest, "invalid_argument", "Yêu cầu không hợp lệ"
	case errors.Is(err, cartstore.ErrUnauthenticated):
		httpStatus, code, message = http.StatusUnauthorized, "unauthenticated", "Bạn cần đăng nhập để sử dụng giỏ hàng"
	case errors.Is(err, cartstore.ErrProductUnavailable):
		httpStatus, code, message = http.StatusConflict, "product_unavailable", "Sản phẩm hiện không khả dụng"
	case errors.Is(err, cartstore.ErrRequestFailed):
		httpStatus, code, message = http.StatusBadGateway, "request_failed", "Không thể cập nhật giỏ hàng. Vui lòng thử lại!"
	default:
		httpStatus, code, message = http.StatusInternalServerError, "internal_error", "internal server error"
	}

	event := h.log.Warn()
	if httpStatus >= http.StatusInternalServerError {
		event = h.log.Error()
	}
	event.Err(err).
		Str("code", code).
		Str("session", getSessionID(r.Context())).
		Str("request_id", getRequestID(r.Context())).
		Msg("cart request failed")

	respondJSON(w, httpStatus, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: err.Error(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

func toCartResponse(store *cartstore.Store) CartResponseDTO {
	snap := store.Snapshot()
	_, authenticated := store.Session().Credentials()
	count := 0
	for _, item := range snap.Items {
		count += item.Quantity
	}
	return CartResponseDTO{
		SessionID:     store.Key(),
		Authenticated: authenticated,
		Items:         toItemDTOs(snap.Items),
		ItemCount:     count,
		TotalPrice:    snap.TotalAmount,
	}
}

func toItemDTOs(items []domain.CartItem) []CartItemDTO {
	out := make([]CartItemDTO, 0, len(items))
	for _, item := range items {
		out = append(out, CartItemDTO{
			ProductID: item.ProductID,
			Name:      item.Name,
			Image:     item.Image,
			Price:     item.Price,
			Quantity:  item.Quantity,
			LineTotal: item.LineTotal(),
		})
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
