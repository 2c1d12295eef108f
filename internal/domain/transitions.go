package domain

import "fmt"

// itemTransitions is the item state machine. A running item may move to running again
// when its tracking handle is stored or its poll loop heartbeats.
var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemStatusSetup:           {ItemStatusQueued, ItemStatusSetupFailed},
	ItemStatusQueued:          {ItemStatusRunning, ItemStatusFailed},
	ItemStatusRunning:         {ItemStatusRunning, ItemStatusCompleted, ItemStatusFailed},
	ItemStatusCompleted:       {ItemStatusPendingFinalize, ItemStatusFinalized, ItemStatusFinalizeFailed},
	ItemStatusPendingFinalize: {ItemStatusFinalized, ItemStatusFinalizeFailed},
}

// recoveryTransitions are only taken by the stale-item recovery sweep, which hands work
// abandoned by a crashed process back to the dispatcher.
var recoveryTransitions = map[ItemStatus]ItemStatus{
	ItemStatusRunning:         ItemStatusQueued,
	ItemStatusPendingFinalize: ItemStatusCompleted,
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusSetup:      {JobStatusPending},
	JobStatusPending:    {JobStatusFinalizing},
	JobStatusFinalizing: {JobStatusNotificationSuccessful, JobStatusNotificationFailed},
}

// CanTransitionItem reports whether from -> to is an edge of the item state machine.
func CanTransitionItem(from, to ItemStatus) bool {
	for _, next := range itemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RecoveryTarget returns the state a stale item is handed back to, if it has one.
func RecoveryTarget(from ItemStatus) (ItemStatus, bool) {
	to, ok := recoveryTransitions[from]
	return to, ok
}

// CanTransitionJob reports whether from -> to is an edge of the job lifecycle.
func CanTransitionJob(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckItemTransition returns an IllegalTransitionError when from -> to is not allowed.
// Recovery edges are accepted only when recovery is true.
func CheckItemTransition(from, to ItemStatus, recovery bool) error {
	if recovery {
		if target, ok := recoveryTransitions[from]; ok && target == to {
			return nil
		}
	} else if CanTransitionItem(from, to) {
		return nil
	}
	return &IllegalTransitionError{Entity: "item", From: string(from), To: string(to)}
}

// CheckJobTransition returns an IllegalTransitionError when from -> to is not allowed.
func CheckJobTransition(from, to JobStatus) error {
	if CanTransitionJob(from, to) {
		return nil
	}
	return &IllegalTransitionError{Entity: "job", From: string(from), To: string(to)}
}

// IllegalTransitionError reports an attempted transition outside the state machine.
type IllegalTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s", e.Entity, e.From, e.To)
}
