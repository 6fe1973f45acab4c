package ledger

import (
	"sort"

	"github.com/i5heu/shake-gate/pkg/model"
)

// SelectCoins picks coins largest-first until their sum
// covers amount. When the holdings fall short every coin
// is returned together with covered=false; the ledger is
// left to reject the payment.
func SelectCoins(
	coins []model.Coin,
	amount uint64,
) (selected []model.ObjectID, total uint64, covered bool) {
	sorted := make([]model.Coin, len(coins))
	copy(sorted, coins)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Balance > sorted[j].Balance
	})

	for _, c := range sorted {
		if total >= amount && len(selected) > 0 {
			break
		}
		selected = append(selected, c.ID)
		total += c.Balance
	}
	return selected, total, total >= amount
}
