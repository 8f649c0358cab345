package postgres

import (
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"net"
	"strings"

	"accessioning/domain/core"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// classify maps driver errors onto the domain sentinels so callers can
// decide on retries without knowing about Postgres
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case code == uniqueViolation:
			return fmt.Errorf("%s: %w on %s", op, core.ErrDuplicateKey, pqErr.Constraint)
		case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "57P"), code == "40001", code == "40P01", code == "53300":
			return core.NewTransientError(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) || stderrors.Is(err, driver.ErrBadConn) {
		return core.NewTransientError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueViolation reports whether err is a unique violation of constraint
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == uniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}
