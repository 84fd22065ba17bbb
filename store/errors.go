package store

import "errors"

// ErrNotFound is returned when a requested record does not exist. The
// chain-state engine maps this to OutputNotFound/AlreadySpent depending on
// context.
var ErrNotFound = errors.New("store: record not found")
