package shards

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MaxQueryLength caps how many values we place into a single IN list.
// Longer id lists are split into runs of this size.
const MaxQueryLength = 100

// Chunk calls f over [lo,hi) runs covering n items, each run at most
// MaxQueryLength long. It stops at the first error.
func Chunk(n int, f func(lo, hi int) error) error {
	for lo := 0; lo < n; lo += MaxQueryLength {
		hi := lo + MaxQueryLength
		if hi > n {
			hi = n
		}
		if err := f(lo, hi); err != nil {
			return err
		}
	}
	return nil
}

// Placeholders returns n comma separated "?" marks for a mysql IN list.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// QLPlaceholders returns n comma separated "?k" marks starting at
// start, as the ql driver numbers its parameters.
func QLPlaceholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
		b.WriteString(strconv.Itoa(start + i))
	}
	return b.String()
}

// Exec runs a single statement inside its own transaction and returns
// the number of rows it changed. The ql driver requires every
// statement to be inside a transaction, and it does no harm on mysql.
func Exec(db *sql.DB, query string, args ...interface{}) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "beginning transaction")
	}
	result, err := tx.Exec(query, args...)
	if err != nil {
		tx.Rollback()
		return 0, errors.Wrapf(err, "executing %s", query)
	}
	n, _ := result.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "committing")
	}
	return n, nil
}
