package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/foodee-cart/internal/domain"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodySize = 1 << 20 // 1MB

type Config struct {
	BaseURL string
	Timeout time.Duration
	// BreakerFailures is the number of consecutive failures that opens
	// the circuit.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client talks to the Foodee REST API: /cart/* for authenticated carts
// and /products/{id} for catalog lookups.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[[]byte]
	log     zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	log := logger.With().Str("component", "backend").Logger()

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "foodee-backend",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && se.Code < http.StatusInternalServerError)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cb:  cb,
		log: log,
	}
}

func (c *Client) FetchCart(ctx context.Context, token string) ([]domain.CartItem, error) {
	body, err := c.do(ctx, http.MethodGet, "/cart", nil, token)
	if err != nil {
		// the backend answers 400 for a user without a cart
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusBadRequest {
			return nil, nil
		}
		return nil, err
	}
	cart, err := decodeCart(body)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, nil
	}
	items := make([]domain.CartItem, 0, len(cart.CartItems))
	for _, item := range cart.CartItems {
		items = append(items, item.toDomain())
	}
	return items, nil
}

func (c *Client) AddToCart(ctx context.Context, token, productID string, quantity int) (domain.CartItem, error) {
	q := url.Values{}
	q.Set("productId", productID)
	q.Set("quantity", strconv.Itoa(quantity))
	body, err := c.do(ctx, http.MethodPost, "/cart/add", q, token)
	if err != nil {
		return domain.CartItem{}, err
	}
	return lineFrom(body, productID)
}

func (c *Client) UpdateLine(ctx context.Context, token, productID string, quantity int) (domain.CartItem, error) {
	q := url.Values{}
	q.Set("productId", productID)
	q.Set("quantity", strconv.Itoa(quantity))
	body, err := c.do(ctx, http.MethodPut, "/cart/update", q, token)
	if err != nil {
		return domain.CartItem{}, err
	}
	return lineFrom(body, productID)
}

func (c *Client) RemoveLine(ctx context.Context, token, productID string) error {
	q := url.Values{}
	q.Set("productId", productID)
	_, err := c.do(ctx, http.MethodDelete, "/cart/remove", q, token)
	return err
}

func (c *Client) ClearCart(ctx context.Context, token string) error {
	_, err := c.do(ctx, http.MethodDelete, "/cart/clear", nil, token)
	return err
}

// GetProduct implements the catalog lookup used for anonymous carts.
func (c *Client) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	body, err := c.do(ctx, http.MethodGet, "/products/"+url.PathEscape(productID), nil, "")
	if err != nil {
		return domain.Product{}, err
	}
	var env productEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.Product{}, fmt.Errorf("decode product: %w", err)
	}
	if env.Product == nil {
		return domain.Product{}, fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	return env.Product.toDomain(), nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return c.cb.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("read %s %s: %w", method, path, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("backend call failed")
			return nil, newStatusError(resp.StatusCode, data)
		}
		return data, nil
	})
}

func decodeCart(body []byte) (*cartDTO, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return env.cart(), nil
}

// lineFrom picks the line for productID out of a full cart response.
func lineFrom(body []byte, productID string) (domain.CartItem, error) {
	cart, err := decodeCart(body)
	if err != nil {
		return domain.CartItem{}, err
	}
	if cart != nil {
		for _, item := range cart.CartItems {
			if item.ProductID.String() == productID {
				return item.toDomain(), nil
			}
		}
	}
	return domain.CartItem{ProductID: productID}, nil
}
