package persistence

import (
	"errors"
	"time"

	"github.com/lib/pq"
)

// Common persistence errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrInvalidInput = errors.New("invalid input")
)

// isUniqueViolation reports whether err is a postgres unique constraint
// violation, so adapters can map it to ErrDuplicate.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func toNullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func toNullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
