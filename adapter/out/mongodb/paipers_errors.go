package mongodb

import "errors"

// ErrBlobNotFound is returned when no blob exists at the requested path.
var ErrBlobNotFound = errors.New("blob not found")
