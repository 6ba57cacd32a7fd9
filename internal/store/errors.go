package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrLimitExceeded = errors.New("watch limit exceeded")
)

// LimitError reports which cap rejected a watch creation.
type LimitError struct {
	Scope string // "user" or "scope"
	Max   int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s watch limit of %d reached", e.Scope, e.Max)
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// isUniqueViolation reports whether err is a unique-constraint failure from
// either supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	return false
}
