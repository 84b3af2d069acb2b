package table

import "errors"

var (
	ErrSchemaMismatch  = errors.New("schema mismatch")
	ErrUnknownColumn   = errors.New("unknown column")
	ErrNotNumeric      = errors.New("column is not numeric")
	ErrDuplicateColumn = errors.New("duplicate column")
	ErrIndexOutOfRange = errors.New("row index out of range")
	ErrColumnLoad      = errors.New("column load failed")
	ErrUnknownNode     = errors.New("unknown table node")
)
