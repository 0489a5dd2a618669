// Package saleor talks to the Saleor GraphQL API: stock and cost mutations and variant lookups.
package saleor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/odyssey-erp/costing/internal/posting"
	"github.com/odyssey-erp/costing/internal/shared"
)

var errRejected = errors.New("saleor: mutation rejected")

// Config configures the client.
type Config struct {
	APIURL          string
	Token           string
	WarehouseID     string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

// Client calls the Saleor API.
type Client struct {
	http      *http.Client
	url       string
	token     string
	warehouse string
	breaker   *breaker
	logger    *slog.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 30 * time.Second
	}
	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		url:       cfg.APIURL,
		token:     cfg.Token,
		warehouse: cfg.WarehouseID,
		breaker:   newBreaker("saleor", cfg.BreakerFailures, cfg.BreakerOpenFor, logger),
		logger:    logger,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type mutationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Each delta is journaled on the variant's private metadata under its idempotency key next to the ledger
// state it produced. Writing the same key twice leaves one entry.
const applyDeltaMutation = `mutation ApplyCostingDelta($id: ID!, $metadata: [MetadataInput!]!) {
  updatePrivateMetadata(id: $id, input: $metadata) {
    item { ... on ProductVariant { id } }
    errors { field message code }
  }
}`

// Saleor has no relative stock mutation, so the warehouse quantity is set to the ledger on-hand.
const stocksUpdateMutation = `mutation SetCostingStock($variantId: ID!, $stocks: [StockInput!]!) {
  productVariantStocksUpdate(variantId: $variantId, stocks: $stocks) {
    productVariant { id }
    errors { field message code }
  }
}`

const sequenceQuery = `query CostingSequence($id: ID!) {
  productVariant(id: $id) {
    id
    privateMetafield(key: "` + sequenceKey + `")
  }
}`

const sequenceKey = "costing.sequence"

type applyDeltaData struct {
	UpdatePrivateMetadata struct {
		Item *struct {
			ID string `json:"id"`
		} `json:"item"`
		Errors []mutationError `json:"errors"`
	} `json:"updatePrivateMetadata"`
}

type stocksUpdateData struct {
	ProductVariantStocksUpdate struct {
		ProductVariant *struct {
			ID string `json:"id"`
		} `json:"productVariant"`
		Errors []mutationError `json:"errors"`
	} `json:"productVariantStocksUpdate"`
}

type sequenceData struct {
	ProductVariant *struct {
		ID               string  `json:"id"`
		PrivateMetafield *string `json:"privateMetafield"`
	} `json:"productVariant"`
}

// ApplyDelta journals the quantity delta on the variant and, unless the variant already carries the state of
// a later ledger sequence, writes the WAC and sets the configured warehouse's stock to the ledger on-hand.
// The idempotency key travels as a header and as the journal key, so replays land on the same entry.
func (c *Client) ApplyDelta(ctx context.Context, m posting.Mutation) (posting.MutationResult, error) {
	stored, err := c.storedSequence(ctx, m.Target)
	if errors.Is(err, errRejected) || errors.Is(err, ErrVariantNotFound) {
		return posting.MutationResult{Accepted: false, Message: err.Error()}, nil
	}
	if err != nil {
		return posting.MutationResult{}, err
	}
	stale := stored > m.Sequence

	metadata := []map[string]string{
		{"key": "costing.posting." + m.IdempotencyKey, "value": strconv.FormatInt(m.QtyDelta, 10)},
	}
	if !stale {
		metadata = append(metadata,
			map[string]string{"key": "costing.wac", "value": m.NewUnitCost.String()},
			map[string]string{"key": "costing.currency", "value": m.Currency},
			map[string]string{"key": "costing.warehouse", "value": c.warehouse},
			map[string]string{"key": sequenceKey, "value": strconv.FormatInt(m.Sequence, 10)},
		)
	}
	var data applyDeltaData
	vars := map[string]any{"id": m.Target, "metadata": metadata}
	err = c.do(ctx, graphQLRequest{Query: applyDeltaMutation, Variables: vars}, m.IdempotencyKey, &data)
	if errors.Is(err, errRejected) {
		return posting.MutationResult{Accepted: false, Message: err.Error()}, nil
	}
	if err != nil {
		return posting.MutationResult{}, err
	}
	result := data.UpdatePrivateMetadata
	if len(result.Errors) > 0 {
		return posting.MutationResult{Accepted: false, Message: formatErrors(result.Errors)}, nil
	}
	ref := m.Target
	if result.Item != nil {
		ref = result.Item.ID
	}

	if stale {
		c.logger.Info("newer ledger state already posted, journaled delta only",
			slog.String("target", m.Target),
			slog.Int64("sequence", m.Sequence),
			slog.Int64("stored_sequence", stored),
		)
	} else if c.warehouse != "" {
		if res, err := c.setStock(ctx, m); err != nil || !res.Accepted {
			return res, err
		}
	}
	return posting.MutationResult{Accepted: true, Reference: ref + "#" + m.IdempotencyKey}, nil
}

func (c *Client) storedSequence(ctx context.Context, variantID string) (int64, error) {
	var data sequenceData
	if err := c.do(ctx, graphQLRequest{Query: sequenceQuery, Variables: map[string]any{"id": variantID}}, "", &data); err != nil {
		return 0, err
	}
	if data.ProductVariant == nil {
		return 0, fmt.Errorf("%w: variant %s", ErrVariantNotFound, variantID)
	}
	if data.ProductVariant.PrivateMetafield == nil || *data.ProductVariant.PrivateMetafield == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(*data.ProductVariant.PrivateMetafield, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unreadable %s %q", errRejected, sequenceKey, *data.ProductVariant.PrivateMetafield)
	}
	return seq, nil
}

func (c *Client) setStock(ctx context.Context, m posting.Mutation) (posting.MutationResult, error) {
	qty := m.OnHand
	if qty < 0 {
		qty = 0
	}
	vars := map[string]any{
		"variantId": m.Target,
		"stocks":    []map[string]any{{"warehouse": c.warehouse, "quantity": qty}},
	}
	var data stocksUpdateData
	err := c.do(ctx, graphQLRequest{Query: stocksUpdateMutation, Variables: vars}, m.IdempotencyKey, &data)
	if errors.Is(err, errRejected) {
		return posting.MutationResult{Accepted: false, Message: err.Error()}, nil
	}
	if err != nil {
		return posting.MutationResult{}, err
	}
	if errs := data.ProductVariantStocksUpdate.Errors; len(errs) > 0 {
		return posting.MutationResult{Accepted: false, Message: formatErrors(errs)}, nil
	}
	return posting.MutationResult{Accepted: true}, nil
}

const variantQuery = `query CostingVariant($id: ID!) {
  productVariant(id: $id) {
    id
    sku
    name
    product { name }
    stocks { warehouse { id } quantity }
  }
}`

// Variant is the catalog view of a variant. It is used for display only. WarehouseStock is the quantity in the
// warehouse the client posts to, nil when none is configured.
type Variant struct {
	ID             string         `json:"id"`
	SKU            string         `json:"sku"`
	Name           string         `json:"name"`
	ProductName    string         `json:"product_name"`
	Stock          map[string]int `json:"stock"`
	WarehouseStock *int           `json:"warehouse_stock,omitempty"`
}

type variantData struct {
	ProductVariant *struct {
		ID      string `json:"id"`
		SKU     string `json:"sku"`
		Name    string `json:"name"`
		Product struct {
			Name string `json:"name"`
		} `json:"product"`
		Stocks []struct {
			Warehouse struct {
				ID string `json:"id"`
			} `json:"warehouse"`
			Quantity int `json:"quantity"`
		} `json:"stocks"`
	} `json:"productVariant"`
}

// LookupVariant resolves identity and stock of a variant.
func (c *Client) LookupVariant(ctx context.Context, variantID string) (Variant, error) {
	var data variantData
	if err := c.do(ctx, graphQLRequest{Query: variantQuery, Variables: map[string]any{"id": variantID}}, "", &data); err != nil {
		return Variant{}, err
	}
	if data.ProductVariant == nil {
		return Variant{}, fmt.Errorf("%w: variant %s", ErrVariantNotFound, variantID)
	}
	pv := data.ProductVariant
	v := Variant{ID: pv.ID, SKU: pv.SKU, Name: pv.Name, ProductName: pv.Product.Name, Stock: make(map[string]int, len(pv.Stocks))}
	for _, s := range pv.Stocks {
		v.Stock[s.Warehouse.ID] = s.Quantity
	}
	if c.warehouse != "" {
		qty := v.Stock[c.warehouse]
		v.WarehouseStock = &qty
	}
	return v, nil
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.state().String()
}

func (c *Client) do(ctx context.Context, req graphQLRequest, idempotencyKey string, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = c.breaker.execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.token)
		}
		if idempotencyKey != "" {
			httpReq.Header.Set("Idempotency-Key", idempotencyKey)
		}
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("saleor: request: %w", err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("saleor: read body: %w", err)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("saleor: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("%w: status %d: %s", errRejected, resp.StatusCode, truncate(string(raw), 200))
		}
		var gql graphQLResponse
		if err := json.Unmarshal(raw, &gql); err != nil {
			return nil, fmt.Errorf("saleor: decode response: %w", err)
		}
		if len(gql.Errors) > 0 {
			return nil, fmt.Errorf("%w: %s", errRejected, gql.Errors[0].Message)
		}
		if out != nil && len(gql.Data) > 0 {
			if err := json.Unmarshal(gql.Data, out); err != nil {
				return nil, fmt.Errorf("saleor: decode data: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

func formatErrors(errs []mutationError) string {
	var buf bytes.Buffer
	for i, e := range errs {
		if i > 0 {
			buf.WriteString("; ")
		}
		fmt.Fprintf(&buf, "%s: %s (%s)", e.Field, e.Message, e.Code)
	}
	return buf.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ErrVariantNotFound indicates Saleor returned no variant for the id.
var ErrVariantNotFound = fmt.Errorf("saleor: variant not found: %w", shared.ErrNotFound)
