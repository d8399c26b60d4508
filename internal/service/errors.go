package service

import (
	"errors"

	"github.com/fathima-sithara/securechat/internal/domain"
)

// errNothingToRead aborts a mark-read update that would not change anything,
// so no write happens.
var errNothingToRead = errors.New("nothing to mark read")

func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrBadRequest) ||
		errors.Is(err, domain.ErrForbidden) ||
		errors.Is(err, domain.ErrNotFound)
}
