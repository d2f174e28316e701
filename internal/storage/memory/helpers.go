package memory

import (
	"fmt"
	"time"
)

type patronNotFoundError struct{ id string }

func (e patronNotFoundError) Error() string {
	return fmt.Sprintf("memory: patron %q not found", e.id)
}

func errPatronNotFound(id string) error {
	return patronNotFoundError{id: id}
}

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
