package core

import (
	"context"
	"math/big"
	"time"
)

// Capability names an administrative permission checked through an Authorizer.
type Capability string

const (
	CapabilitySetCap       Capability = "set_capacity_cap"
	CapabilityManageAssets Capability = "manage_assets"
)

// Token moves a single asset between holders and custody.
// Implementations must report failure rather than partial success.
type Token interface {
	ID() AssetID
	Precision() uint8
	Pull(ctx context.Context, from AccountID, amount Amount) error
	Push(ctx context.Context, to AccountID, amount Amount) error
	BalanceOf(ctx context.Context, holder AccountID) (Amount, error)
}

// TokenSet resolves the transfer collaborator of an asset.
type TokenSet interface {
	Token(asset AssetID) (Token, error)
}

// Price is a reference rate reported by a RateSource.
type Price struct {
	Answer    *big.Int
	Decimals  uint8
	UpdatedAt time.Time
	Round     uint64
}

type RateSource interface {
	LatestPrice(ctx context.Context) (Price, error)
}

// SwapOrder instructs an Executor to convert AmountIn of Path[0] into
// Path[len(Path)-1] delivered to Recipient. The executor must fail when it
// cannot deliver at least MinAmountOut before Deadline.
type SwapOrder struct {
	AmountIn     Amount
	MinAmountOut Amount
	Path         []AssetID
	Recipient    AccountID
	Deadline     time.Time
}

type Executor interface {
	Quote(ctx context.Context, amountIn Amount, path []AssetID) (Amount, error)
	Execute(ctx context.Context, order SwapOrder) (Amount, error)
}

type Authorizer interface {
	IsAuthorized(caller AccountID, capability Capability) bool
}

// Tx is one unit of work over external asset movements. Rollback undoes every
// movement performed since Begin.
type Tx interface {
	Commit() error
	Rollback() error
}

type Transactor interface {
	Begin(ctx context.Context) (Tx, error)
}

type Notifier interface {
	OnRecord(record Record)
	OnError(err error)
}

// AllowAll is an Authorizer that accepts every caller.
type AllowAll struct{}

func (AllowAll) IsAuthorized(AccountID, Capability) bool { return true }
