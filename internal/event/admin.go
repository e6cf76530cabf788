package event

import (
	"fmt"

	"github.com/google/uuid"
)

// EmergencyShutdown is the one-shot kill switch. Only the designated
// authority key succeeds; the authority is consumed on success.
type EmergencyShutdown struct {
	Authority uuid.UUID
	Sequence  int64
	Tick      int64
}

func (e *EmergencyShutdown) IdempotencyKey() string {
	return fmt.Sprintf("shutdown:%d", e.Sequence)
}

func (e *EmergencyShutdown) EventType() EventType { return EventTypeEmergencyShutdown }

func (e *EmergencyShutdown) Market() *string { return nil }

func (e *EmergencyShutdown) SourceSequence() int64 { return e.Sequence }

func (e *EmergencyShutdown) TickAt() int64 { return e.Tick }

// ResumeOperations is an operator override that clears a halt early.
type ResumeOperations struct {
	Authority uuid.UUID
	Sequence  int64
	Tick      int64
}

func (r *ResumeOperations) IdempotencyKey() string {
	return fmt.Sprintf("resume:%d", r.Sequence)
}

func (r *ResumeOperations) EventType() EventType { return EventTypeResumeOperations }

func (r *ResumeOperations) Market() *string { return nil }

func (r *ResumeOperations) SourceSequence() int64 { return r.Sequence }

func (r *ResumeOperations) TickAt() int64 { return r.Tick }
