package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrNotFound reports a missing conversation or blob.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict reports a uniqueness race that survived the single re-select.
	ErrConflict = errors.New("store: conflict")
	// ErrForbidden reports an acting user who does not participate in the conversation.
	ErrForbidden = errors.New("store: forbidden")
	// ErrStaleBlob reports a blob row that vanished before it could be linked and
	// no object upload was available to recreate it.
	ErrStaleBlob = errors.New("store: stale blob")
)

// isUniqueViolation matches unique-constraint failures from postgres, translated
// gorm errors and sqlite.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlstate 23505") || strings.Contains(msg, "unique constraint failed")
}
