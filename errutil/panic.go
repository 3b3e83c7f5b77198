package errutil

import (
	"fmt"
)

// UnknownError formats the panic message for an error that violated a
// function's documented error contract.
func UnknownError(err error) string {
	return fmt.Sprintf("unknown error of type %T received: %v", err, err)
}
