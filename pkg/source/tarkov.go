package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const tarkovEndpoint = "https://api.tarkov.dev/graphql"

const itemsQuery = `
query {
  items {
    id
    name
    shortName
  }
}`

const priceQuery = `
query ($id: ID!) {
  item(id: $id) {
    id
    name
    avg24hPrice
    lastLowPrice
    sellFor {
      price
      source
    }
  }
}`

// TarkovOptions configures the tarkov.dev client.
type TarkovOptions struct {
	Endpoint        string
	Timeout         time.Duration
	RatePerSecond   float64
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Tarkov queries the tarkov.dev GraphQL API for the item catalog and prices.
// Calls are throttled by a token bucket and guarded by a circuit breaker so
// an outage fails fast instead of stalling every watch in a sweep.
type Tarkov struct {
	client   *http.Client
	endpoint string
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
}

// NewTarkov creates a tarkov.dev client.
func NewTarkov(opts TarkovOptions) *Tarkov {
	if opts.Endpoint == "" {
		opts.Endpoint = tarkovEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	failures := uint32(opts.BreakerFailures)
	return &Tarkov{
		client:   &http.Client{Timeout: opts.Timeout},
		endpoint: opts.Endpoint,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "tarkov.dev",
			Timeout: opts.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

func (t *Tarkov) Name() string { return "tarkov.dev" }

type tarkovItem struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Avg24hPrice  *int64  `json:"avg24hPrice"`
	LastLowPrice *int64  `json:"lastLowPrice"`
	SellFor      []offer `json:"sellFor"`
}

type offer struct {
	Price  int64  `json:"price"`
	Source string `json:"source"`
}

// ListItems returns the full catalog.
func (t *Tarkov) ListItems(ctx context.Context) ([]CatalogItem, error) {
	var data struct {
		Items []CatalogItem `json:"items"`
	}
	if err := t.query(ctx, itemsQuery, nil, &data); err != nil {
		return nil, err
	}
	return data.Items, nil
}

// Quote returns the market prices for one item. An unknown id yields a
// quote with Found=false.
func (t *Tarkov) Quote(ctx context.Context, itemID string) (*Quote, error) {
	var data struct {
		Item *tarkovItem `json:"item"`
	}
	if err := t.query(ctx, priceQuery, map[string]any{"id": itemID}, &data); err != nil {
		return nil, err
	}

	q := &Quote{ItemID: itemID}
	if data.Item == nil || data.Item.ID == "" {
		return q, nil
	}

	q.Found = true
	q.Name = data.Item.Name
	if data.Item.Avg24hPrice != nil {
		q.Avg24h = *data.Item.Avg24hPrice
	}
	if data.Item.LastLowPrice != nil {
		q.LastLow = *data.Item.LastLowPrice
	}
	for _, o := range data.Item.SellFor {
		if o.Price > q.Vendor {
			q.Vendor = o.Price
		}
	}
	return q, nil
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (t *Tarkov) query(ctx context.Context, query string, vars map[string]any, out any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", ErrUnavailable, err)
	}

	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, t.do(ctx, query, vars, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (t *Tarkov) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal tarkov query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create tarkov request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: tarkov request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read tarkov response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: tarkov status %d", ErrUnavailable, resp.StatusCode)
	}

	var gr gqlResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("%w: decode tarkov response: %v", ErrUnavailable, err)
	}
	if len(gr.Errors) > 0 {
		msg := gr.Errors[0].Message
		if msg == "" {
			msg = "unknown"
		}
		return fmt.Errorf("%w: tarkov graphql error: %s", ErrUnavailable, msg)
	}
	if len(gr.Data) == 0 || string(gr.Data) == "null" {
		return fmt.Errorf("%w: tarkov response has no data", ErrUnavailable)
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("%w: decode tarkov data: %v", ErrUnavailable, err)
	}
	return nil
}
