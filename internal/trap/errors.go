package trap

import "errors"

// ErrTrap wraps every error this package returns.
var ErrTrap = errors.New("trap error")
