package wal

import "fmt"

// ErrOffsetOutOfRange is returned when a read targets an offset no
// segment in the Log owns — below the lowest segment's base offset or
// at/above the active segment's next offset. The Service facade (§4.9)
// passes it through unchanged; the HTTP transport answers it with 404.
type ErrOffsetOutOfRange struct {
	Offset uint64
}

func (e ErrOffsetOutOfRange) Error() string {
	return fmt.Sprintf("offset out of range: %d", e.Offset)
}
