package cache

import (
	"database/sql/driver"

	"golang.org/x/text/cases"
	"modernc.org/sqlite"
)

// SQLite's LIKE only folds ASCII, so searches compare casefold(column)
// against a pattern folded the same way.
func init() {
	sqlite.MustRegisterDeterministicScalarFunction("casefold", 1, func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		switch v := args[0].(type) {
		case string:
			return casefold(v), nil
		case []byte:
			return casefold(string(v)), nil
		case nil:
			return nil, nil
		default:
			return v, nil
		}
	})
}

func casefold(s string) string {
	return cases.Fold().String(s)
}
