package audit

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainLogger(t *testing.T) {
	logger := NewChainLogger(nil)

	e1, err := logger.Record(Event{Action: ActionReservationOpened, AccountID: "alice", ReservationID: "r1", Amount: 5, Balance: 7})
	require.NoError(t, err)
	e2, err := logger.Record(Event{Action: ActionReservationSettled, AccountID: "alice", ReservationID: "r1", Amount: 3, Refunded: 2, Balance: 9})
	require.NoError(t, err)
	e3, err := logger.Record(Event{Action: ActionReservationExpired, AccountID: "bob", ReservationID: "r2", Refunded: 4, Balance: 12})
	require.NoError(t, err)

	chain := []*LogEntry{e1, e2, e3}
	assert.True(t, VerifyChain(chain))
	assert.Equal(t, uint64(3), e3.Sequence)

	// tampered payload
	originalPayload := e2.Payload
	e2.Payload = strings.Replace(e2.Payload, `"amount":3`, `"amount":1`, 1)
	assert.False(t, VerifyChain(chain))
	assert.Equal(t, 1, FirstBreak(chain))
	e2.Payload = originalPayload

	// tampered hash
	originalHash := e2.Hash
	e2.Hash = strings.Repeat("de", 32)
	assert.False(t, VerifyChain(chain))
	e2.Hash = originalHash

	// broken link
	e3.PreviousHash = strings.Repeat("be", 32)
	assert.False(t, VerifyChain(chain))
	assert.Equal(t, 2, FirstBreak(chain))
}

func TestChainLogger_SinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := NewChainLogger(&buf)

	for i := 0; i < 3; i++ {
		_, err := logger.Record(Event{Action: ActionGrantApplied, AccountID: "acct", Amount: int64(i + 1), Balance: int64(i + 1)})
		require.NoError(t, err)
	}

	entries, err := ReadChain(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, VerifyChain(entries))

	ev, err := DecodeEvent(entries[2])
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.Amount)

	// a resumed logger keeps linking to the persisted chain
	resumed := NewChainLogger(nil)
	resumed.Resume(entries[2])
	next, err := resumed.Append("tail")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.Sequence)
	assert.True(t, VerifyChain(append(entries, next)))
}

func TestReadChain_RejectsGarbage(t *testing.T) {
	_, err := ReadChain(strings.NewReader("{not json}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}
