// Package cost produces rough monthly price estimates for
// implementation graphs so reviewers see a dollar figure next to the
// architecture before approving a deploy.
package cost

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/inframinds/agentcore/internal/graph"
)

// Monthly on-demand baseline per resource kind, us-east-1 list prices
// for the smallest sensible instance class. Kinds not listed estimate
// at zero rather than failing the whole graph.
var monthlyRates = map[string]decimal.Decimal{
	"aws_instance":            decimal.NewFromFloat(7.59),   // t3.micro
	"aws_db_instance":         decimal.NewFromFloat(12.41),  // db.t3.micro
	"aws_elasticache_cluster": decimal.NewFromFloat(11.68),  // cache.t3.micro
	"aws_lb":                  decimal.NewFromFloat(16.43),  // ALB base
	"aws_nat_gateway":         decimal.NewFromFloat(32.85),
	"aws_s3_bucket":           decimal.NewFromFloat(0.50),
	"aws_sqs_queue":           decimal.NewFromFloat(0.10),
	"aws_sns_topic":           decimal.NewFromFloat(0.10),
}

// LineItem is one node's contribution to the estimate.
type LineItem struct {
	NodeID  string `json:"node_id"`
	Kind    string `json:"kind"`
	Monthly string `json:"monthly"`
}

// Estimate is the per-node breakdown plus the total, both rendered as
// fixed two-decimal strings.
type Estimate struct {
	Items   []LineItem `json:"items"`
	Monthly string     `json:"monthly_total"`
}

// ForGraph prices every live node of an implementation graph. Free or
// unknown kinds are omitted from the breakdown but still counted at
// zero in the total.
func ForGraph(snap graph.Snapshot) Estimate {
	total := decimal.Zero
	var items []LineItem

	for _, n := range snap.LiveNodes() {
		rate, ok := monthlyRates[n.Kind]
		if !ok || rate.IsZero() {
			continue
		}
		total = total.Add(rate)
		items = append(items, LineItem{
			NodeID:  n.ID,
			Kind:    n.Kind,
			Monthly: rate.StringFixed(2),
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].NodeID < items[j].NodeID })
	return Estimate{Items: items, Monthly: total.StringFixed(2)}
}

// Summary renders the estimate for graph metadata.
func (e Estimate) Summary() string {
	return fmt.Sprintf("$%s/mo across %d billable resource(s)", e.Monthly, len(e.Items))
}
