package chat

import "errors"

var (
	ErrNotFound       = errors.New("user not found")
	ErrDeliveryFailed = errors.New("delivery failed")
	ErrFetchFailed    = errors.New("fetch failed")
	ErrChannel        = errors.New("malformed push event")

	ErrInactive        = errors.New("session is not active")
	ErrNoSelection     = errors.New("no thread selected")
	ErrNotSelected     = errors.New("counterpart is not the selected thread")
	ErrEmptyContent    = errors.New("message content is empty")
	ErrInvalidUsername = errors.New("invalid username")
)
