package handles

import "fmt"

// HandleNotFoundError reports a token the manager does not hold. Release and
// ForceRevoke log it and carry on; Path returns it.
type HandleNotFoundError struct {
	Token Token
}

func (e *HandleNotFoundError) Error() string {
	return fmt.Sprintf("media handle not found: %s", e.Token)
}
