package models

import "time"

// ThreadStatus is the persisted status of a conversation thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

// Thread is the operator-side conversation dedicated to one account.
type Thread struct {
	// ID is the unique identifier of the row.
	ID int64 `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	// AccountID owns the thread. One row per account.
	AccountID int64 `json:"account_id" gorm:"column:account_id;uniqueIndex;not null"`
	// Handle is the id assigned by the messaging surface (forum topic id).
	Handle int `json:"handle" gorm:"column:handle;index;not null"`
	// Status is active or archived.
	Status ThreadStatus `json:"status" gorm:"column:status;not null;default:active"`
	// ProfileMessageID is the pinned profile card inside the thread.
	ProfileMessageID int `json:"profile_message_id" gorm:"column:profile_message_id"`
	// Notes is free text kept by operators.
	Notes          string    `json:"notes" gorm:"column:notes"`
	LastActivityAt time.Time `json:"last_activity_at" gorm:"column:last_activity_at;index"`
	CreatedAt      time.Time `json:"created_at" gorm:"column:created_at"`
}

// TableName specifies the table name for GORM
func (Thread) TableName() string {
	return "conversation_threads"
}

// ThreadState is the routing state of an account during a delivery.
type ThreadState int

const (
	StateNoThread ThreadState = iota
	StateCreating
	StateActive
	StateUnrouted
)

func (s ThreadState) String() string {
	switch s {
	case StateNoThread:
		return "no_thread"
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateUnrouted:
		return "unrouted"
	default:
		return "unknown"
	}
}

var threadTransitions = map[ThreadState][]ThreadState{
	StateNoThread: {StateCreating, StateActive},
	StateCreating: {StateActive, StateUnrouted},
	// a persisted thread that vanished on the surface is recreated
	StateActive:   {StateCreating},
	StateUnrouted: {},
}

// CanTransition reports whether the router may move from s to next.
func (s ThreadState) CanTransition(next ThreadState) bool {
	for _, allowed := range threadTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
