package reconcile

import (
	"github.com/gregtusar/arbai/pkg/models"
)

// MatchIntent reports whether local and remote describe the same standing
// instruction. When both carry a ledger id those decide; otherwise the
// natural key is (user, symbol pair, threshold).
func MatchIntent(local, remote models.Intent) bool {
	if local.User != remote.User {
		return false
	}
	if lid, rid := local.LedgerID(), remote.LedgerID(); lid != "" && rid != "" {
		return lid == rid
	}
	return local.SymbolPair == remote.SymbolPair &&
		local.MinProfitThreshold.Equal(remote.MinProfitThreshold)
}

// MatchExecution matches on settlement reference, or on (symbol pair,
// timestamp) when either side has no reference.
func MatchExecution(local, remote models.Execution) bool {
	if local.User != remote.User {
		return false
	}
	if local.SettlementReference != "" && remote.SettlementReference != "" {
		return local.SettlementReference == remote.SettlementReference
	}
	return local.SymbolPair == remote.SymbolPair && local.Timestamp == remote.Timestamp
}
