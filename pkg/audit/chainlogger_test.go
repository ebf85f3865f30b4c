package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainLoggerLinksEntries(t *testing.T) {
	logger := NewChainLogger()

	first := logger.Record("ledger.debit", "acct-1", "amount=-1")
	second := logger.Record("ledger.refund", "acct-1", "amount=1")

	require.NotEmpty(t, first.Hash)
	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.True(t, VerifyChain(logger.Recent()))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	logger := NewChainLogger()
	logger.Record("ledger.debit", "acct-1", "amount=-1")
	logger.Record("ledger.credit", "acct-1", "amount=10")

	entries := logger.Recent()
	entries[0].Details = "amount=-100"

	assert.False(t, VerifyChain(entries))
}

func TestVerifyChainEmpty(t *testing.T) {
	assert.True(t, VerifyChain(nil))
}
