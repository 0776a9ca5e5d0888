package api

// ChallengeResponse is returned by GET /api/challenge.
type ChallengeResponse struct {
	Challenge string `json:"challenge"`
	ExpiresAt int64  `json:"expires_at"`
}

// SignedEventRequest wraps a NIP-01 signed event submitted as a write
// request body.
type SignedEventRequest struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// collateralMoveContent is the content payload of a collateral deposit or
// withdrawal signed event.
type collateralMoveContent struct {
	AmountMsats int64 `json:"amount_msats"`
}

// orderContent is the content payload of a POST /api/futures/order signed
// event.
type orderContent struct {
	Market    string  `json:"market"`
	Side      string  `json:"side"`
	OrderType string  `json:"order_type"`
	SizeSats  int64   `json:"size_sats"`
	PriceUSD  *string `json:"price_usd,omitempty"`
	Leverage  int     `json:"leverage"`
}

// cancelContent is the content payload of a DELETE /api/futures/order/{id}
// signed event.
type cancelContent struct {
	OrderID string `json:"order_id"`
}

// closeContent is the content payload of a POST /api/futures/position/close
// signed event.
type closeContent struct {
	PositionID string `json:"position_id"`
}

// errorResponse is the stable machine-readable error shape.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
