package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cardwatch/cardwatch/internal/store"
)

// staticValidate parses the synthesized SQL under the restricted grammar
// and cross-checks the parameter sets both ways.
func (c *Compiler) staticValidate(synth *synthesized) *CompileResult {
	info, err := ParseRuleSQL(synth.SQL, c.store.SchemaMetadata())
	if err != nil {
		return &CompileResult{
			Status: StatusInvalid,
			Reason: "sql_validation",
			Hints:  []string{err.Error()},
		}
	}

	for name := range info.Params {
		if _, ok := synth.Params[name]; !ok {
			return &CompileResult{
				Status: StatusInvalid,
				Reason: "sql_validation",
				Hints:  []string{fmt.Sprintf("parameter :%s is not declared in the params schema", name)},
			}
		}
	}
	for name := range synth.Params {
		if !info.Params[name] {
			return &CompileResult{
				Status: StatusInvalid,
				Reason: "sql_validation",
				Hints:  []string{fmt.Sprintf("declared parameter :%s is unused", name)},
			}
		}
	}

	return nil
}

// dynamicValidate executes the SQL against the user's recent history under
// a hard deadline and asserts the single-row shape. A user with no history
// still validates: the executor checks the column shape before it looks
// for rows.
func (c *Compiler) dynamicValidate(ctx context.Context, userID string, synth *synthesized) *CompileResult {
	recent, err := c.store.RecentTransactions(userID, 1)
	if err != nil {
		return &CompileResult{Status: StatusInvalid, Reason: "sql_validation", Hints: []string{err.Error()}}
	}

	now := time.Now().UTC()
	params := map[string]interface{}{
		"txn_id":          "00000000-0000-0000-0000-000000000000",
		"window_start":    now.AddDate(0, 0, -30),
		"window_end":      now,
		"baseline_start":  now.AddDate(0, 0, -60),
		"txn_occurred_at": now,
		"home_state":      "",
		"baseline_value":  0.0,
	}

	hasSample := len(recent) > 0
	if hasSample {
		params["txn_id"] = recent[0].ID
		params["window_start"] = recent[0].OccurredAt.AddDate(0, 0, -30)
		params["window_end"] = recent[0].OccurredAt
		params["txn_occurred_at"] = recent[0].OccurredAt
	}

	// Only bind parameters the statement actually declares.
	bound := map[string]interface{}{}
	for name, spec := range synth.Params {
		if spec.Value != nil {
			bound[name] = spec.Value
			continue
		}
		if v, ok := params[name]; ok {
			bound[name] = v
		}
	}

	_, err = c.store.RunRuleSQL(ctx, synth.SQL, bound, userID, c.sqlTimeout)

	if err == nil {
		return nil
	}

	// No matching sample row is fine; the statement parsed, bound and
	// produced the declared columns.
	if errors.Is(err, store.ErrRuleSQLShape) && strings.Contains(err.Error(), "no rows") {
		return nil
	}

	return &CompileResult{
		Status: StatusInvalid,
		Reason: "sql_validation",
		Hints:  []string{err.Error()},
	}
}
