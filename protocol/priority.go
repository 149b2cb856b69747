package protocol

import (
	"sort"
)

// Priority classes for a delivery batch; lower is processed first.
const (
	PriorityGameState = iota
	PriorityMetrics
	PriorityAdministrative
	PriorityOther
)

// Priority returns the processing class for a message kind.
func Priority(kind Kind) int {
	switch kind {
	case KindGameState:
		return PriorityGameState
	case KindMetrics:
		return PriorityMetrics
	case KindSessionUpdate, KindExperimentUpdate,
		KindSubscriptionConfirmed, KindUnsubscriptionConfirmed:
		return PriorityAdministrative
	default:
		return PriorityOther
	}
}

// SortByPriority orders a batch by priority class, keeping arrival order within a class.
func SortByPriority[T any](batch []T, kindOf func(T) Kind) {
	sort.SliceStable(batch, func(i, j int) bool {
		return Priority(kindOf(batch[i])) < Priority(kindOf(batch[j]))
	})
}
