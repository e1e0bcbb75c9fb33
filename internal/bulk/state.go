package bulk

import "github.com/contactlens/backend/internal/models"

// State is the processing stage of one item.
type State int

const (
	StatePending State = iota
	StateResolving
	StateFetching
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolving:
		return "resolving"
	case StateFetching:
		return "fetching"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Observer receives item progress. Implementations must be safe for concurrent use.
// Every item reports Pending first (with from == to == StatePending), then each transition.
type Observer interface {
	ItemState(item models.RecordingRequestItem, from, to State)
	BytesStreamed(n int)
}

type nopObserver struct{}

func (nopObserver) ItemState(models.RecordingRequestItem, State, State) {}
func (nopObserver) BytesStreamed(int)                                   {}
