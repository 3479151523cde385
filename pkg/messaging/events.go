package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subjects for vault lifecycle events. Each is published exactly once per
// successful state transition.
const (
	SubjectVaultCreated       = "vault.created"
	SubjectBatchSettled       = "vault.batch_settled"
	SubjectWithdrawn          = "vault.withdrawn"
	SubjectPauseToggled       = "vault.pause_toggled"
	SubjectProviderRegistered = "provider.registered"
	SubjectLedgerTransfer     = "ledger.transfer"
)

// Event is the envelope used on the wire.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent wraps a payload in an envelope.
func NewEvent(eventType string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      dataBytes,
	}, nil
}

// ParseData parses the envelope payload into v.
func (e *Event) ParseData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// VaultCreatedEvent is published when a vault is created with its initial
// deposit.
type VaultCreatedEvent struct {
	Owner    uuid.UUID `json:"owner"`
	Provider uuid.UUID `json:"provider"`
	Deposit  int64     `json:"deposit"`
}

// BatchSettledEvent is published after a successful batch settlement.
// Nonce is the nonce the batch was submitted with.
type BatchSettledEvent struct {
	Owner    uuid.UUID `json:"owner"`
	Provider uuid.UUID `json:"provider"`
	Amount   int64     `json:"amount"`
	Fee      int64     `json:"fee"`
	Payout   int64     `json:"payout"`
	Nonce    uint64    `json:"nonce"`
	Balance  int64     `json:"balance"`
}

// WithdrawnEvent is published after a full withdrawal.
type WithdrawnEvent struct {
	Owner  uuid.UUID `json:"owner"`
	Amount int64     `json:"amount"`
}

// PauseToggledEvent is published when the global pause switch changes.
type PauseToggledEvent struct {
	Paused bool `json:"paused"`
}

// ProviderRegisteredEvent is published when a provider is registered.
type ProviderRegisteredEvent struct {
	Authority   uuid.UUID `json:"authority"`
	Destination uuid.UUID `json:"destination"`
}

// LedgerTransferEvent is published for standalone ledger transfers.
type LedgerTransferEvent struct {
	TransferID  uuid.UUID `json:"transfer_id"`
	FromAccount uuid.UUID `json:"from_account"`
	ToAccount   uuid.UUID `json:"to_account"`
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference"`
}
