package messaging

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEnvelope(t *testing.T) {
	t.Run("should carry the payload through the envelope", func(t *testing.T) {
		owner := uuid.New()
		evt, err := NewEvent(SubjectBatchSettled, BatchSettledEvent{
			Owner:  owner,
			Amount: 400,
			Fee:    10,
			Payout: 390,
			Nonce:  3,
		})
		require.NoError(t, err)
		assert.Equal(t, SubjectBatchSettled, evt.Type)
		assert.NotEqual(t, uuid.Nil, evt.ID)

		var payload BatchSettledEvent
		require.NoError(t, evt.ParseData(&payload))
		assert.Equal(t, owner, payload.Owner)
		assert.Equal(t, int64(390), payload.Payout)
		assert.Equal(t, uint64(3), payload.Nonce)
	})

	t.Run("should fail on an unmarshalable payload", func(t *testing.T) {
		_, err := NewEvent(SubjectVaultCreated, make(chan int))
		assert.Error(t, err)
	})
}
