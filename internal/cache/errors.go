package cache

import (
	"errors"
	"time"
)

var (
	ErrEmptyKey        = errors.New("empty key")
	ErrKeyNotFound     = errors.New("key not found")
	ErrValueNotInteger = errors.New("value is not an integer")
)

// NoExpiry is the TTL reported for keys that exist without an expiry.
const NoExpiry = time.Duration(-1)
