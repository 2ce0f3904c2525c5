package commandhistory

import (
	"errors"
	"fmt"
)

var (
	// ErrThrottle is returned when storage is overloaded or a query would fan
	// out past the safety cap. Callers should back off and retry later.
	ErrThrottle = errors.New("throttled")

	// ErrConflict is returned when a conditional write loses to a concurrent
	// writer or an insert collides with an existing record. It is an expected
	// outcome; callers re-read and decide.
	ErrConflict = errors.New("conflict: version mismatch or duplicate key")

	// ErrInvalidOperation marks a violated repository contract, such as
	// writing fragments that were never read. It indicates a caller bug.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidArgument marks arguments the repository cannot act on, such as
	// an operation context issued elsewhere.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDataIntegrity marks stored data that is corrupt or incomplete.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrNoAvailableAccount is returned when every blob storage account is
	// flighted off.
	ErrNoAvailableAccount = errors.New("no available storage account")

	// ErrNotFound is returned by RetryOnConflict when the command does not
	// exist.
	ErrNotFound = errors.New("command not found")
)

// ContractError describes a rejected Replace in terms of fragment sets.
type ContractError struct {
	Reason   string
	Read     FragmentTypes
	Changed  FragmentTypes
	Declared FragmentTypes
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("invalid operation: %s (read=%s, changed=%s, declared=%s)",
		e.Reason, e.Read, e.Changed, e.Declared)
}

// Is makes ContractError match ErrInvalidOperation.
func (e *ContractError) Is(target error) bool {
	return target == ErrInvalidOperation
}
