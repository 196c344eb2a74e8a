package lifecycle

import (
	"fmt"

	"github.com/sells-group/pcf-provenance/internal/model"
)

// TransportError reports that a lifecycle step could not reach the queue,
// the registry or the verifier. The step may be retried.
type TransportError struct {
	Step model.Step
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("lifecycle: %s: transport failure: %v", e.Step, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
