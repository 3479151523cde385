package vault

import (
	"time"

	"github.com/google/uuid"
)

// MaxFeeBps is the upper bound for the protocol fee rate (100%).
const MaxFeeBps = 10000

// ReservedLen is the size of the forward-compatibility padding carried on
// provider records. It must round-trip as all zeroes.
const ReservedLen = 128

// ProtocolConfig is the per-deployment singleton holding the settlement
// threshold, fee rate and global pause switch. Only Authority may mutate it.
type ProtocolConfig struct {
	Authority       uuid.UUID `json:"authority"`
	SettleThreshold int64     `json:"settle_threshold"`
	FeeBps          uint16    `json:"fee_bps"`
	FeeSink         uuid.UUID `json:"fee_sink"`
	Paused          bool      `json:"paused"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Provider binds a provider authority to the ledger account that receives
// settled funds. One provider per authority.
type Provider struct {
	Authority   uuid.UUID `json:"authority"`
	Destination uuid.UUID `json:"destination"`
	Reserved    []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Vault is the per-depositor custodial balance record. Account is the
// custody ledger account holding the deposited funds; Provider names the
// registered payee for batch settlement.
type Vault struct {
	Owner     uuid.UUID `json:"owner"`
	Provider  uuid.UUID `json:"provider"`
	Account   uuid.UUID `json:"account"`
	Balance   int64     `json:"balance"`
	Nonce     uint64    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settlement summarizes a successful settle_batch execution.
type Settlement struct {
	Owner    uuid.UUID `json:"owner"`
	Provider uuid.UUID `json:"provider"`
	Amount   int64     `json:"amount"`
	Fee      int64     `json:"fee"`
	Payout   int64     `json:"payout"`
	Nonce    uint64    `json:"nonce"`
	Balance  int64     `json:"balance"`
}

// Withdrawal summarizes a successful full withdrawal.
type Withdrawal struct {
	Owner   uuid.UUID `json:"owner"`
	Amount  int64     `json:"amount"`
	Balance int64     `json:"balance"`
}
