package api

import "github.com/uhyunpark/hyperroute/pkg/app/core/order"

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents a pair's routing configuration
type MarketInfo struct {
	Symbol         string  `json:"symbol"`     // e.g., "ETH-USDC"
	BaseAsset      string  `json:"baseAsset"`  // e.g., "ETH"
	QuoteAsset     string  `json:"quoteAsset"` // e.g., "USDC"
	Status         string  `json:"status"`     // "Active", "Paused", "Delisted"
	TickSize       float64 `json:"tickSize"`
	MinChunk       float64 `json:"minChunk"`
	MaxChunk       float64 `json:"maxChunk"`
	MaxPriceImpact float64 `json:"maxPriceImpact"`
	MaxSlippage    float64 `json:"maxSlippage"`
	IterationCap   int     `json:"iterationCap"`
	Shard          int     `json:"shard"`        // -1 when unpinned
	AMMTimeoutMs   int64   `json:"ammTimeoutMs"` // per oracle call
}

// OrderbookSnapshot represents current book state of one pair
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`      // Sorted high to low
	Asks      []PriceLevel `json:"asks"`      // Sorted low to high
	LastPrice float64      `json:"lastPrice"` // last book trade, 0 if none
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

type PriceLevel struct {
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	Orders int     `json:"orders"`
}

// OrderInfo is the routing state of one order, live or final
type OrderInfo struct {
	ID           string       `json:"id"`
	Pair         string       `json:"pair"`
	Status       string       `json:"status"` // "pending", "open", "partially_filled", "filled", ...
	Resolved     bool         `json:"resolved"`
	Filled       float64      `json:"filled"`
	Remaining    float64      `json:"remaining"`
	AveragePrice float64      `json:"averagePrice"`
	Iterations   int          `json:"iterations,omitempty"`
	BookChunks   int          `json:"bookChunks,omitempty"`
	AMMChunks    int          `json:"ammChunks,omitempty"`
	Rested       bool         `json:"rested,omitempty"`
	Condition    string       `json:"condition,omitempty"` // terminal condition, e.g. "insufficient liquidity"
	Error        string       `json:"error,omitempty"`     // rejection reason
	Fills        []order.Fill `json:"fills"`
}

// HealthStatus reports admission pressure
type HealthStatus struct {
	Status    string         `json:"status"`
	Queued    map[string]int `json:"queued"` // per priority tier
	InFlight  int            `json:"inFlight"`
	BatchSize int            `json:"batchSize"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["fills:ETH-USDC", "orders:<id>"]
}

// FillUpdate is broadcast for every settled fill
type FillUpdate struct {
	Type string     `json:"type"` // "fill"
	Fill order.Fill `json:"fill"`
}

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders
type SubmitOrderRequest struct {
	Pair       string  `json:"pair"`
	Side       string  `json:"side"`               // "buy" | "sell"
	Kind       string  `json:"kind"`               // "market" | "limit"
	TIF        string  `json:"tif"`                // "GTC" | "IOC" | "FOK"
	Amount     float64 `json:"amount"`             // base units
	LimitPrice float64 `json:"limitPrice"`         // 0 = no limit
	Priority   string  `json:"priority,omitempty"` // "urgent" | "high" | "normal" | "low"
	Owner      string  `json:"owner,omitempty"`    // hex address
	Wait       bool    `json:"wait,omitempty"`     // block until the order resolves
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel
type CancelOrderRequest struct {
	OrderID string `json:"orderId"`
}

// MarketStatusRequest is the payload for POST /api/v1/markets/{symbol}/status
type MarketStatusRequest struct {
	Status string `json:"status"` // "active", "paused", "delisted"
}

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	Status  string     `json:"status"`            // "submitted", "resolved", "rejected"
	OrderID string     `json:"orderId,omitempty"` // Assigned order ID
	Message string     `json:"message,omitempty"` // Error message if rejected
	Order   *OrderInfo `json:"order,omitempty"`   // set when wait was requested
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
