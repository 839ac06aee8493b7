package fx

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrRateMissing means the table has no USD rate for a currency; the
// evaluator skips the rule and records an audit entry instead of guessing.
var ErrRateMissing = errors.New("fx rate missing")

// Table holds the daily USD conversion rates. It is loaded once at startup
// and read-only afterwards.
type Table struct {
	rates map[string]float64
}

// Load reads a rate table from a .csv or .xlsx file with two columns:
// currency code and units-per-USD rate. Treasury ships the daily sheet in
// either format.
func Load(path string) (*Table, error) {
	t := &Table{rates: map[string]float64{"USD": 1}}

	if path == "" {
		return t, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		if err := t.loadCSV(path); err != nil {
			return nil, err
		}
	case ".xlsx":
		if err := t.loadXLSX(path); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported fx table format: %s", path)
	}

	return t, nil
}

func (t *Table) loadCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open fx table: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return fmt.Errorf("read fx table: %w", err)
	}

	for i, record := range records {
		if len(record) < 2 {
			continue
		}
		if err := t.addRow(record[0], record[1]); err != nil {
			if _, perr := strconv.ParseFloat(strings.TrimSpace(record[1]), 64); i == 0 && perr != nil {
				continue // header row
			}
			return fmt.Errorf("fx table row %d: %w", i+1, err)
		}
	}

	return nil
}

func (t *Table) loadXLSX(path string) error {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return fmt.Errorf("open fx table: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return fmt.Errorf("read fx table: %w", err)
	}

	for i, row := range rows {
		if len(row) < 2 {
			continue
		}
		if err := t.addRow(row[0], row[1]); err != nil {
			if _, perr := strconv.ParseFloat(strings.TrimSpace(row[1]), 64); i == 0 && perr != nil {
				continue // header row
			}
			return fmt.Errorf("fx table row %d: %w", i+1, err)
		}
	}

	return nil
}

func (t *Table) addRow(currency, rate string) error {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		return fmt.Errorf("empty currency code")
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(rate), 64)
	if err != nil {
		return fmt.Errorf("rate for %s: %w", code, err)
	}
	if value <= 0 {
		return fmt.Errorf("rate for %s must be positive", code)
	}

	t.rates[code] = value
	return nil
}

// ToUSD converts an amount into USD. Rates are quoted as currency units per
// USD.
func (t *Table) ToUSD(amount float64, currency string) (float64, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" || code == "USD" {
		return amount, nil
	}

	rate, ok := t.rates[code]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrRateMissing, code)
	}

	return amount / rate, nil
}

func (t *Table) Has(currency string) bool {
	_, ok := t.rates[strings.ToUpper(strings.TrimSpace(currency))]
	return ok
}
