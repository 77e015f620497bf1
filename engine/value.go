package engine

import (
	"encoding/base64"
	"strconv"

	"github.com/bvinc/go-sqlite-lite/sqlite3"
)

// ValueType is the storage class SQLite reports for one cell. SQLite is
// dynamically typed per row, so the tag is decided at read time, not from
// the declared schema.
type ValueType byte

const (
	TypeNull ValueType = iota
	TypeInt
	TypeFloat
	TypeText
	TypeBlob
)

// String returns the wire name used by the TCP protocol's "types" array.
func (t ValueType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "double"
	case TypeText:
		return "text"
	case TypeBlob:
		return "blob"
	case TypeNull:
		return "null"
	}
	return "unknown"
}

// Value is one cell read from the engine: a tagged union over null, int64,
// float64, text and blob.
type Value struct {
	Type  ValueType
	Int   int64
	Float float64
	Text  string
	Blob  []byte
}

// ColumnValue reads column i of the statement's current row along with its
// runtime type tag. Must be called under the connection lock while the
// statement is positioned on a row.
func ColumnValue(stmt *sqlite3.Stmt, i int) (Value, error) {
	switch stmt.ColumnType(i) {
	case sqlite3.INTEGER:
		n, _, err := stmt.ColumnInt64(i)
		if err != nil {
			return Value{}, WrapError(err)
		}
		return Value{Type: TypeInt, Int: n}, nil
	case sqlite3.FLOAT:
		f, _, err := stmt.ColumnDouble(i)
		if err != nil {
			return Value{}, WrapError(err)
		}
		return Value{Type: TypeFloat, Float: f}, nil
	case sqlite3.TEXT:
		s, _, err := stmt.ColumnText(i)
		if err != nil {
			return Value{}, WrapError(err)
		}
		return Value{Type: TypeText, Text: s}, nil
	case sqlite3.BLOB:
		b, err := stmt.ColumnBlob(i)
		if err != nil {
			return Value{}, WrapError(err)
		}
		return Value{Type: TypeBlob, Blob: b}, nil
	default:
		return Value{Type: TypeNull}, nil
	}
}

// RowValues reads every column of the current row.
func RowValues(stmt *sqlite3.Stmt) ([]Value, error) {
	cols := stmt.ColumnCount()
	row := make([]Value, cols)
	for i := 0; i < cols; i++ {
		v, err := ColumnValue(stmt, i)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// JSON returns the native JSON representation of the value: numbers stay
// numbers, NULL becomes null, and blobs are base64-encoded so binary data
// survives the trip.
func (v Value) JSON() interface{} {
	switch v.Type {
	case TypeInt:
		return v.Int
	case TypeFloat:
		return v.Float
	case TypeText:
		return v.Text
	case TypeBlob:
		return base64.StdEncoding.EncodeToString(v.Blob)
	}
	return nil
}

// Render formats the value as display text. NULL renders as nullRepr; blobs
// are base64-encoded rather than dumped raw.
func (v Value) Render(nullRepr string) string {
	switch v.Type {
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeText:
		return v.Text
	case TypeBlob:
		return base64.StdEncoding.EncodeToString(v.Blob)
	}
	return nullRepr
}
