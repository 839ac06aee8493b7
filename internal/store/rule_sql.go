package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRuleSQLTimeout = errors.New("rule sql timed out")
	ErrRuleSQLShape   = errors.New("rule sql returned unexpected shape")
)

// TriggerRow is the single row every rule query must produce.
type TriggerRow struct {
	Triggered bool
	Observed  float64
	Baseline  *float64
	Detail    string
}

// RunRuleSQL executes validated rule SQL with bound parameters inside the
// given deadline. The grammar guarantees the statement is a single SELECT;
// this layer guarantees the read-only transaction, user scoping, the wall
// clock and the row cap.
func (s *Store) RunRuleSQL(ctx context.Context, sqlText string, params map[string]interface{}, userID string, timeout time.Duration) (*TriggerRow, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	// The executor owns user scoping; a caller-supplied user_id never wins.
	params["user_id"] = userID

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The statement runs in a transaction opened read-only and always
	// rolled back.
	tx := s.conn.WithContext(ctx).Begin(&sql.TxOptions{ReadOnly: true})
	if tx.Error != nil {
		return nil, tx.Error
	}
	defer tx.Rollback()

	rows, err := tx.Raw(translateParams(sqlText), params).Rows()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrRuleSQLTimeout
		}
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) != 4 {
		return nil, fmt.Errorf("%w: %d columns, want 4", ErrRuleSQLShape, len(cols))
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no rows", ErrRuleSQLShape)
	}

	var (
		triggered interface{}
		observed  interface{}
		baseline  sql.NullFloat64
		detail    sql.NullString
	)

	if err := rows.Scan(&triggered, &observed, &baseline, &detail); err != nil {
		return nil, err
	}

	if rows.Next() {
		return nil, fmt.Errorf("%w: more than one row", ErrRuleSQLShape)
	}

	row := &TriggerRow{
		Triggered: coerceBool(triggered),
		Observed:  coerceFloat(observed),
		Detail:    detail.String,
	}
	if baseline.Valid {
		b := baseline.Float64
		row.Baseline = &b
	}

	return row, nil
}

// translateParams rewrites :name placeholders to the @name form the driver
// binds, skipping quoted string literals.
func translateParams(sqlText string) string {
	var b strings.Builder
	b.Grow(len(sqlText))

	inString := false
	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]

		if c == '\'' {
			inString = !inString
			b.WriteByte(c)
			continue
		}

		if c == ':' && !inString && i+1 < len(sqlText) && isParamChar(sqlText[i+1]) {
			b.WriteByte('@')
			continue
		}

		b.WriteByte(c)
	}

	return b.String()
}

func isParamChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// Drivers disagree on boolean and numeric representations (sqlite hands
// back int64 for boolean expressions), so scans go through interface{}.
func coerceBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []byte:
		s := strings.ToLower(string(t))
		return s == "1" || s == "t" || s == "true"
	case string:
		s := strings.ToLower(t)
		return s == "1" || s == "t" || s == "true"
	default:
		return false
	}
}

func coerceFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int64:
		return float64(t)
	case []byte:
		var f float64
		fmt.Sscanf(string(t), "%g", &f)
		return f
	case string:
		var f float64
		fmt.Sscanf(t, "%g", &f)
		return f
	default:
		return 0
	}
}
