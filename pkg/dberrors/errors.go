package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("sdb: not found")
	ErrDuplicateKey    = errors.New("sdb: duplicate key")
	ErrClosed          = errors.New("sdb: closed")
	ErrInvalidArgument = errors.New("sdb: invalid argument")
	ErrRowTooLarge     = errors.New("sdb: row too large")
	ErrMalformedRow    = errors.New("sdb: malformed row")
	ErrCorruptHeader   = errors.New("sdb: corrupt file header")
	ErrFeedTruncated   = errors.New("sdb: change feed truncated")
)
