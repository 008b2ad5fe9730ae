package supervisor

import (
	"time"

	"github.com/kodegen/kodegend/pkg/ipc"
)

// Transition records one lifecycle state change of a supervised service.
// Listeners receive it after the change is applied; the service mutex is
// not held during delivery.
type Transition struct {
	Service      string
	Category     string
	From         ipc.ServiceState
	To           ipc.ServiceState
	PID          int
	RestartCount uint32
	Reason       string
	At           time.Time
}

type TransitionFunc func(Transition)
