package dispatch

import (
	"errors"
	"fmt"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
)

var (
	// ErrCancelled settles jobs whose generation was retired or which were
	// dropped by CancelAll or CancelGeneration. It wraps fault.ErrCancelled.
	ErrCancelled = fmt.Errorf("dispatch: job cancelled: %w", fault.ErrCancelled)

	// ErrClosed settles jobs submitted to, or pending in, a closed dispatcher.
	ErrClosed = errors.New("dispatch: dispatcher closed")
)
