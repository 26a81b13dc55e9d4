package store

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/uwdash/internal/model"
)

// AggFunc is an aggregate function name.
type AggFunc string

// Supported aggregates.
const (
	AggSum   AggFunc = "sum"
	AggAvg   AggFunc = "avg"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
	AggCount AggFunc = "count"
)

// ParseAggFunc validates a function name.
func ParseAggFunc(s string) (AggFunc, bool) {
	switch f := AggFunc(strings.ToLower(strings.TrimSpace(s))); f {
	case AggSum, AggAvg, AggMin, AggMax, AggCount:
		return f, true
	default:
		return "", false
	}
}

// Metric is one aggregate over a column. Its result key is column_func.
type Metric struct {
	Column string  `json:"column"`
	Func   AggFunc `json:"func"`
}

// Key names the metric in a Group.
func (m Metric) Key() string { return m.Column + "_" + string(m.Func) }

// Group is one result bucket. Values holds nil for metrics with no
// numeric input.
type Group struct {
	Keys   map[string]string           `json:"keys"`
	Count  int                         `json:"count"`
	Values map[string]*decimal.Decimal `json:"values"`
}

type accumulator struct {
	sum, min, max decimal.Decimal
	n             int64
}

func (a *accumulator) add(d decimal.Decimal) {
	if a.n == 0 {
		a.min, a.max = d, d
	} else {
		if d.LessThan(a.min) {
			a.min = d
		}
		if d.GreaterThan(a.max) {
			a.max = d
		}
	}
	a.sum = a.sum.Add(d)
	a.n++
}

func (a *accumulator) result(fn AggFunc) *decimal.Decimal {
	var d decimal.Decimal
	switch {
	case fn == AggCount:
		d = decimal.NewFromInt(a.n)
	case a.n == 0:
		return nil
	case fn == AggSum:
		d = a.sum
	case fn == AggAvg:
		d = a.sum.DivRound(decimal.NewFromInt(a.n), 6)
	case fn == AggMin:
		d = a.min
	case fn == AggMax:
		d = a.max
	}
	return &d
}

// Aggregate groups the rows matched by f by the groupBy columns and
// computes metrics in decimal arithmetic. Non-numeric values are skipped by
// every function except count, which counts non-missing values.
func Aggregate(ctx context.Context, g Gateway, groupBy []string, metrics []Metric, f Filter) ([]Group, error) {
	if len(metrics) == 0 {
		return nil, eris.New("store: aggregate: no metrics")
	}
	cols, err := g.Columns(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c.Name] = true
	}
	for _, c := range groupBy {
		if !known[c] {
			return nil, eris.Wrapf(ErrUnknownColumn, "store: group by %q", c)
		}
	}
	for _, m := range metrics {
		if !known[m.Column] {
			return nil, eris.Wrapf(ErrUnknownColumn, "store: aggregate %q", m.Column)
		}
	}

	f.Limit, f.Offset = 0, 0
	page, err := g.Query(ctx, f)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		group Group
		accs  []accumulator
	}
	buckets := make(map[string]*bucket)
	var order []string

	for _, r := range page.Rows {
		keys := make(map[string]string, len(groupBy))
		parts := make([]string, len(groupBy))
		for i, c := range groupBy {
			keys[c] = r.Get(c).String()
			parts[i] = keys[c]
		}
		id := strings.Join(parts, "\x00")
		b, ok := buckets[id]
		if !ok {
			b = &bucket{group: Group{Keys: keys}, accs: make([]accumulator, len(metrics))}
			buckets[id] = b
			order = append(order, id)
		}
		b.group.Count++

		for i, m := range metrics {
			v := r.Get(m.Column)
			if m.Func == AggCount {
				if !v.IsMissing() {
					b.accs[i].n++
				}
				continue
			}
			if n, ok := v.Float(); ok && model.IsFinite(n) {
				b.accs[i].add(decimal.NewFromFloat(n))
			}
		}
	}

	sort.Strings(order)
	out := make([]Group, 0, len(order))
	for _, id := range order {
		b := buckets[id]
		b.group.Values = make(map[string]*decimal.Decimal, len(metrics))
		for i, m := range metrics {
			b.group.Values[m.Key()] = b.accs[i].result(m.Func)
		}
		out = append(out, b.group)
	}
	return out, nil
}
