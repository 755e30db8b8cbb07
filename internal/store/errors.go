// Package store is the relational-store adapter layer. It turns driver errors into a
// closed set of kinds so callers never compare raw SQLSTATE strings.
package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolationCode is the SQLSTATE for unique_violation.
const uniqueViolationCode = "23505"

// Kind is the closed set of store outcomes that callers branch on.
type Kind int

const (
	// KindOther is any failure that is neither not-found nor a unique violation. Always fatal.
	KindOther Kind = iota
	// KindNotFound means no row matched.
	KindNotFound
	// KindUniqueViolation means an insert collided with a unique constraint.
	KindUniqueViolation
	// KindValidation means the input was rejected before reaching the database.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUniqueViolation:
		return "unique_violation"
	case KindValidation:
		return "validation"
	default:
		return "other"
	}
}

// Error is the tagged error returned by repositories.
type Error struct {
	Kind   Kind
	Op     string
	Entity string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("store: %s %s", e.Op, e.Entity)
	if e.Key != "" {
		msg += fmt.Sprintf(" (%s)", e.Key)
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps a driver error onto a Kind. A nil error is reported as KindOther and
// should not be passed in.
func Classify(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return KindNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return KindUniqueViolation
	}
	return KindOther
}

// Wrap classifies err and attaches operation context. Returns nil for a nil error.
func Wrap(op, entity, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), Op: op, Entity: entity, Key: key, Err: err}
}

// Validation builds a KindValidation error.
func Validation(op, entity, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Entity: entity, Err: errors.New(msg)}
}

// IsNotFound reports whether err classifies as KindNotFound.
func IsNotFound(err error) bool {
	return err != nil && Classify(err) == KindNotFound
}

// IsUniqueViolation reports whether err classifies as KindUniqueViolation.
func IsUniqueViolation(err error) bool {
	return err != nil && Classify(err) == KindUniqueViolation
}

// IsValidation reports whether err classifies as KindValidation.
func IsValidation(err error) bool {
	return err != nil && Classify(err) == KindValidation
}
