// Package sqltypes formats and parses SQL column type expressions and maps
// them onto the dialects used by the provider drivers. The mapping is
// table-driven; unknown bases surface as parse errors rather than guesses.
package sqltypes

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the dialect-independent base of a column type.
type Kind int

// Recognised column type bases.
const (
	KindInvalid Kind = iota
	KindBool
	KindSmallInt
	KindInt
	KindBigInt
	KindFloat
	KindDouble
	KindDecimal
	KindChar
	KindVarChar
	KindText
	KindBlob
	KindDate
	KindTime
	KindTimestamp
)

// Dialect selects the rendering rules of one SQL engine.
type Dialect int

// Supported dialects.
const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// ColumnType is a parsed SQL column type expression.
type ColumnType struct {
	Kind      Kind
	Size      int // chars for CHAR/VARCHAR, 0 when unspecified
	Precision int // total digits for DECIMAL
	Scale     int // fractional digits for DECIMAL
	Unsigned  bool
}

var baseNames = map[string]Kind{
	"BOOLEAN":           KindBool,
	"BOOL":              KindBool,
	"SMALLINT":          KindSmallInt,
	"INT2":              KindSmallInt,
	"INT":               KindInt,
	"INTEGER":           KindInt,
	"INT4":              KindInt,
	"BIGINT":            KindBigInt,
	"INT8":              KindBigInt,
	"REAL":              KindFloat,
	"FLOAT":             KindFloat,
	"DOUBLE":            KindDouble,
	"DOUBLE PRECISION":  KindDouble,
	"FLOAT8":            KindDouble,
	"DECIMAL":           KindDecimal,
	"NUMERIC":           KindDecimal,
	"CHAR":              KindChar,
	"CHARACTER":         KindChar,
	"VARCHAR":           KindVarChar,
	"CHARACTER VARYING": KindVarChar,
	"NVARCHAR":          KindVarChar,
	"TEXT":              KindText,
	"CLOB":              KindText,
	"BLOB":              KindBlob,
	"BYTEA":             KindBlob,
	"DATE":              KindDate,
	"TIME":              KindTime,
	"TIMESTAMP":         KindTimestamp,
	"DATETIME":          KindTimestamp,
}

// Parse reads a column type expression such as "VARCHAR(255)",
// "DECIMAL(10,2)", or "INT UNSIGNED".
func Parse(s string) (ColumnType, error) {
	expr := strings.TrimSpace(strings.ToUpper(s))
	if expr == "" {
		return ColumnType{}, fmt.Errorf("sqltypes: empty type expression")
	}
	var ct ColumnType
	if strings.HasSuffix(expr, " UNSIGNED") {
		ct.Unsigned = true
		expr = strings.TrimSpace(strings.TrimSuffix(expr, " UNSIGNED"))
	}
	base := expr
	var args []int
	if open := strings.IndexByte(expr, '('); open >= 0 {
		if !strings.HasSuffix(expr, ")") {
			return ColumnType{}, fmt.Errorf("sqltypes: unbalanced parentheses in %q", s)
		}
		base = strings.TrimSpace(expr[:open])
		for _, part := range strings.Split(expr[open+1:len(expr)-1], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return ColumnType{}, fmt.Errorf("sqltypes: bad argument in %q: %w", s, err)
			}
			args = append(args, n)
		}
	}
	kind, ok := baseNames[base]
	if !ok {
		return ColumnType{}, fmt.Errorf("sqltypes: unknown type %q", s)
	}
	ct.Kind = kind
	switch kind {
	case KindChar, KindVarChar:
		if len(args) > 1 {
			return ColumnType{}, fmt.Errorf("sqltypes: %q takes at most one argument", s)
		}
		if len(args) == 1 {
			ct.Size = args[0]
		}
	case KindDecimal:
		if len(args) > 2 {
			return ColumnType{}, fmt.Errorf("sqltypes: %q takes at most two arguments", s)
		}
		if len(args) >= 1 {
			ct.Precision = args[0]
		}
		if len(args) == 2 {
			ct.Scale = args[1]
		}
	default:
		if len(args) > 0 {
			return ColumnType{}, fmt.Errorf("sqltypes: %q takes no arguments", s)
		}
	}
	return ct, nil
}

var renderTable = map[Dialect]map[Kind]string{
	DialectSQLite: {
		KindBool:      "INTEGER",
		KindSmallInt:  "INTEGER",
		KindInt:       "INTEGER",
		KindBigInt:    "INTEGER",
		KindFloat:     "REAL",
		KindDouble:    "REAL",
		KindDecimal:   "NUMERIC",
		KindChar:      "TEXT",
		KindVarChar:   "TEXT",
		KindText:      "TEXT",
		KindBlob:      "BLOB",
		KindDate:      "TEXT",
		KindTime:      "TEXT",
		KindTimestamp: "TEXT",
	},
	DialectPostgres: {
		KindBool:      "BOOLEAN",
		KindSmallInt:  "SMALLINT",
		KindInt:       "INTEGER",
		KindBigInt:    "BIGINT",
		KindFloat:     "REAL",
		KindDouble:    "DOUBLE PRECISION",
		KindDecimal:   "NUMERIC",
		KindChar:      "CHAR",
		KindVarChar:   "VARCHAR",
		KindText:      "TEXT",
		KindBlob:      "BYTEA",
		KindDate:      "DATE",
		KindTime:      "TIME",
		KindTimestamp: "TIMESTAMP",
	},
}

// Format renders a column type for a dialect. SQLite collapses sized and
// numeric variants onto its storage classes; Postgres keeps size and
// precision arguments.
func Format(ct ColumnType, d Dialect) (string, error) {
	kinds, ok := renderTable[d]
	if !ok {
		return "", fmt.Errorf("sqltypes: unknown dialect %d", d)
	}
	base, ok := kinds[ct.Kind]
	if !ok {
		return "", fmt.Errorf("sqltypes: kind %d not renderable", ct.Kind)
	}
	if d == DialectSQLite {
		return base, nil
	}
	switch ct.Kind {
	case KindChar, KindVarChar:
		if ct.Size > 0 {
			return fmt.Sprintf("%s(%d)", base, ct.Size), nil
		}
		return base, nil
	case KindDecimal:
		if ct.Precision > 0 && ct.Scale > 0 {
			return fmt.Sprintf("%s(%d,%d)", base, ct.Precision, ct.Scale), nil
		}
		if ct.Precision > 0 {
			return fmt.Sprintf("%s(%d)", base, ct.Precision), nil
		}
		return base, nil
	default:
		return base, nil
	}
}

// MustFormat is Format panicking on error, for static DDL tables.
func MustFormat(ct ColumnType, d Dialect) string {
	s, err := Format(ct, d)
	if err != nil {
		panic(err)
	}
	return s
}

// GoKind maps a column type onto the Go kind a scanner should use.
func GoKind(ct ColumnType) string {
	switch ct.Kind {
	case KindBool:
		return "bool"
	case KindSmallInt, KindInt:
		if ct.Unsigned {
			return "uint32"
		}
		return "int32"
	case KindBigInt:
		if ct.Unsigned {
			return "uint64"
		}
		return "int64"
	case KindFloat:
		return "float32"
	case KindDouble, KindDecimal:
		return "float64"
	case KindChar, KindVarChar, KindText:
		return "string"
	case KindBlob:
		return "[]byte"
	case KindDate, KindTime, KindTimestamp:
		return "time.Time"
	default:
		return ""
	}
}
