package database

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
	"github.com/npezzotti/go-bookclub/internal/types"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// translateError maps driver errors onto the error taxonomy in types.
func translateError(err error, entity string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", entity, types.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%s: %w", entity, types.ErrAlreadyExists)
		case pqForeignKeyViolation:
			return fmt.Errorf("%s references a missing record: %w", entity, types.ErrNotFound)
		}
		if pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57" {
			return fmt.Errorf("%s: %w: %v", entity, types.ErrTransientIO, err)
		}
		return fmt.Errorf("%s: %w", entity, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", entity, types.ErrTransientIO, err)
	}

	return fmt.Errorf("%s: %w", entity, err)
}
