// Package assemble finalizes parsed statements: it validates declared
// balances against transaction totals and optionally splits a statement
// into daily, weekly, or monthly periods with chained balances.
package assemble

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/parser"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

// balanceTolerance absorbs rounding drift between a bank's declared
// closing balance and the recomputed one.
var balanceTolerance = decimal.NewFromFloat(0.0001)

// Options controls assembly behavior.
type Options struct {
	// Split breaks each statement into period statements. SplitNone
	// keeps statements as parsed.
	Split statement.SplitMode
}

// Assemble validates and finalizes every statement in the result,
// returning the statements to import. Transactions keep the order the
// source listed them in; that sequence is part of the statement's
// meaning and banks do not always emit bookings date-sorted.
func Assemble(result *statement.ParseResult, opts Options) ([]statement.Statement, error) {
	var out []statement.Statement
	for i := range result.Statements {
		st := result.Statements[i]
		if err := validateBalances(&st); err != nil {
			return nil, err
		}
		if st.HasBalanceStart && !st.HasBalanceEnd {
			st.BalanceEndReal = st.ComputedBalanceEnd()
			st.HasBalanceEnd = true
		}
		if opts.Split == statement.SplitNone {
			out = append(out, st)
			continue
		}
		out = append(out, splitStatement(st, opts.Split)...)
	}
	return out, nil
}

// validateBalances recomputes the closing balance when both ends are
// declared and rejects the statement if the difference exceeds the
// tolerance.
func validateBalances(st *statement.Statement) error {
	if !st.HasBalanceStart || !st.HasBalanceEnd {
		return nil
	}
	computed := st.ComputedBalanceEnd()
	if computed.Sub(st.BalanceEndReal).Abs().Cmp(balanceTolerance) > 0 {
		return &parser.BalanceMismatchError{
			StatementName: st.Name,
			Declared:      st.BalanceEndReal.StringFixed(2),
			Computed:      computed.StringFixed(2),
		}
	}
	return nil
}

// splitStatement partitions the transactions into periods. Balances
// chain: the first period opens with the statement's opening balance and
// each period opens with the previous one's computed close. Periods with
// no transactions are not emitted. Statements keep transaction order, so
// period order follows the earliest transaction of each period.
func splitStatement(st statement.Statement, mode statement.SplitMode) []statement.Statement {
	if len(st.Transactions) == 0 {
		return []statement.Statement{st}
	}

	type period struct {
		label string
		txs   []statement.Transaction
	}
	var periods []period
	index := make(map[string]int)
	for _, tx := range st.Transactions {
		label := statement.PeriodLabel(mode, tx.Date)
		i, ok := index[label]
		if !ok {
			i = len(periods)
			index[label] = i
			periods = append(periods, period{label: label})
		}
		periods[i].txs = append(periods[i].txs, tx)
	}
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].txs[0].Date.Before(periods[j].txs[0].Date)
	})

	opening := st.BalanceStart
	hasOpening := st.HasBalanceStart
	out := make([]statement.Statement, 0, len(periods))
	for _, p := range periods {
		part := statement.Statement{
			Name:            fmt.Sprintf("%s/%s", st.Name, p.label),
			Date:            statement.PeriodStart(mode, p.txs[0].Date),
			BalanceStart:    opening,
			HasBalanceStart: hasOpening,
			CurrencyCode:    st.CurrencyCode,
			AccountNumber:   st.AccountNumber,
			Transactions:    p.txs,
		}
		closing := part.ComputedBalanceEnd()
		part.BalanceEndReal = closing
		part.HasBalanceEnd = hasOpening
		opening = closing
		out = append(out, part)
	}
	return out
}
