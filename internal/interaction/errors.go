package interaction

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("interaction not found")
	ErrFinalized = errors.New("interaction already finalized")
)

// StorageFault wraps an I/O or constraint failure in the underlying store.
type StorageFault struct {
	Op  string // "insert", "update", "get", "list", "delete", "schema"
	Err error
}

func (e *StorageFault) Error() string {
	return fmt.Sprintf("storage fault: %s: %v", e.Op, e.Err)
}

func (e *StorageFault) Unwrap() error {
	return e.Err
}

func fault(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageFault{Op: op, Err: err}
}

// IsStorageFault reports whether err carries a StorageFault.
func IsStorageFault(err error) bool {
	var sf *StorageFault
	return errors.As(err, &sf)
}
