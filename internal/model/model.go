// Package model defines the shared data structures used across all packages.
//
// This package is the common vocabulary for the bank — bank accounts, futures
// accounts, orders, positions, trades, funding records, and the insurance
// fund. It has no dependencies on internal packages, so it can be imported by
// any layer.
package model

import "time"

// Side is the direction of an order or position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// OrderType enumerates the two supported order lifecycles.
type OrderType string

const (
	OrderLimit  OrderType = "limit"
	OrderMarket OrderType = "market"
)

// OrderStatus tracks an order through its lifecycle. Terminal states are
// Filled and Cancelled.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether the status admits no further mutation.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// BankAccount holds a user's spendable and savings msat balances, keyed by
// Nostr pubkey. Created lazily on first deposit.
type BankAccount struct {
	Pubkey           string `gorm:"primaryKey"`
	BalanceMsats     int64  `gorm:"not null;default:0"`
	SavingsMsats     int64  `gorm:"not null;default:0"`
	CreatedAt        int64  `gorm:"not null"`
	UpdatedAt        int64  `gorm:"not null"`
}

func (BankAccount) TableName() string { return "accounts" }

// TransactionType enumerates the bank ledger's transaction kinds.
type TransactionType string

const (
	TxDeposit       TransactionType = "deposit"
	TxWithdrawal    TransactionType = "withdrawal"
	TxTransferOut   TransactionType = "transfer_out"
	TxTransferIn    TransactionType = "transfer_in"
	TxSavingsAdd    TransactionType = "savings_add"
	TxSavingsRemove TransactionType = "savings_remove"
	TxYieldCredit   TransactionType = "yield_credit"
)

// Transaction is an immutable entry recorded for every bank-side balance
// mutation.
type Transaction struct {
	ID                 string `gorm:"primaryKey"`
	Pubkey             string `gorm:"index;not null"`
	Type               TransactionType `gorm:"not null"`
	AmountMsats        int64  `gorm:"not null"`
	BalanceAfterMsats  int64
	InvoiceID          string `gorm:"index"`
	ZapRequestID       string
	CounterpartyPubkey string
	CreatedAt          int64 `gorm:"index;not null"`
}

func (Transaction) TableName() string { return "transactions" }

// NWCConnection maps a Nostr Wallet Connect client pubkey to the user pubkey
// it is permitted to act on behalf of.
type NWCConnection struct {
	ClientPubkey string `gorm:"primaryKey"`
	UserPubkey   string `gorm:"not null"`
	CreatedAt    int64  `gorm:"not null"`
}

func (NWCConnection) TableName() string { return "nwc_connections" }

// FuturesAccount holds a user's futures collateral balance, separate from
// their bank balance. Created lazily on first collateral deposit.
type FuturesAccount struct {
	Pubkey          string `gorm:"primaryKey"`
	CollateralMsats int64  `gorm:"not null;default:0"`
	CreatedAt       int64  `gorm:"not null"`
	UpdatedAt       int64  `gorm:"not null"`
}

func (FuturesAccount) TableName() string { return "futures_accounts" }

// Order is a resting or terminal order in a single market's book.
type Order struct {
	ID                     string `gorm:"primaryKey"`
	Pubkey                 string `gorm:"index;not null"`
	Market                 string `gorm:"index;not null"`
	Side                   Side   `gorm:"not null"`
	OrderType              OrderType `gorm:"not null"`
	SizeSats               int64  `gorm:"not null"`
	PriceUSD               *string // decimal string; nil for market orders
	Leverage               int    `gorm:"not null"`
	Status                 OrderStatus `gorm:"index;not null"`
	FilledSizeSats         int64  `gorm:"not null;default:0"`
	ReservedCollateralMsats int64 `gorm:"not null;default:0"`
	NostrEventID           string
	CreatedAt              int64 `gorm:"index;not null"`
	UpdatedAt              int64 `gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

// Position is an open leveraged position on one side of one market.
type Position struct {
	ID                  string `gorm:"primaryKey"`
	Pubkey              string `gorm:"index;not null"`
	Market              string `gorm:"index;not null"`
	Side                Side   `gorm:"not null"`
	SizeSats            int64  `gorm:"not null"`
	EntryPriceUSD       string `gorm:"not null"` // decimal string
	CollateralMsats     int64  `gorm:"not null"`
	Leverage            int    `gorm:"not null"`
	LiquidationPriceUSD string `gorm:"not null"` // decimal string
	FundingCostMsats    int64  `gorm:"not null;default:0"`
	CreatedAt           int64  `gorm:"not null"`
	UpdatedAt           int64  `gorm:"not null"`
}

func (Position) TableName() string { return "positions" }

// Trade is an immutable record of a single matched fill.
type Trade struct {
	ID            string `gorm:"primaryKey"`
	Market        string `gorm:"index;not null"`
	BuyerPubkey   string `gorm:"not null"`
	SellerPubkey  string `gorm:"not null"`
	SizeSats      int64  `gorm:"not null"`
	PriceUSD      string `gorm:"not null"`
	BuyOrderID    string `gorm:"not null"`
	SellOrderID   string `gorm:"not null"`
	Timestamp     int64  `gorm:"index;not null"`
}

func (Trade) TableName() string { return "trades" }

// FundingRate is an immutable, append-only record of a funding epoch's
// computed rate for one market.
type FundingRate struct {
	ID            string `gorm:"primaryKey"`
	Market        string `gorm:"uniqueIndex:idx_market_epoch;not null"`
	Epoch         int64  `gorm:"uniqueIndex:idx_market_epoch;not null"`
	Rate          string `gorm:"not null"` // decimal string
	MarkPriceUSD  string `gorm:"not null"`
	IndexPriceUSD string `gorm:"not null"`
	Timestamp     int64  `gorm:"not null"`
}

func (FundingRate) TableName() string { return "funding_rates" }

// FundingApplication records that funding for a given position has already
// been applied for a given epoch, making FundingScheduler's per-position pass
// safe to re-run after a crash.
type FundingApplication struct {
	PositionID string `gorm:"primaryKey"`
	Epoch      int64  `gorm:"primaryKey"`
	AppliedAt  int64  `gorm:"not null"`
}

func (FundingApplication) TableName() string { return "funding_applications" }

// InsuranceFund is a singleton reserve that absorbs bad debt and receives
// liquidation fees. Identified by a fixed row ID.
type InsuranceFund struct {
	ID           uint  `gorm:"primaryKey"`
	BalanceMsats int64 `gorm:"not null;default:0"`
	UpdatedAt    int64 `gorm:"not null"`
}

func (InsuranceFund) TableName() string { return "insurance_fund" }

// InsuranceFundRowID is the fixed primary key of the singleton insurance fund
// row.
const InsuranceFundRowID uint = 1

// EnrichedPosition wraps a Position with live, derived PnL and margin data.
// Never persisted — computed on read by PositionViewer.
type EnrichedPosition struct {
	Position
	MarkPriceUSD        string `json:"mark_price_usd"`
	UnrealizedPnLMsats  int64  `json:"unrealized_pnl_msats"`
	MarginRatio         string `json:"margin_ratio"`
}

// Market is a static definition of a tradeable perpetual market, configured
// rather than persisted.
type Market struct {
	Symbol              string
	MaxLeverage          int
	MaintenanceMarginPct string // decimal string, e.g. "0.05"
	TakerFeePct          string // decimal string, e.g. "0.0005"
}

// Now is a convenience for callers that want a wall-clock unix second
// timestamp without importing time directly.
func Now() int64 { return time.Now().Unix() }
