package store

import (
	"errors"
	"time"

	"github.com/lib/pq"
)

func secondsToDuration(secs int64) time.Duration {
	return time.Duration(secs) * time.Second
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func isUniqueViolationOn(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == constraint
	}
	return false
}
