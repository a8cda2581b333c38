package syncer

import (
	"fmt"

	"github.com/pepperpark/mailshift/internal/eventlog"
)

// Emitter receives a job's narrative. *eventlog.Log implements it.
type Emitter interface {
	Append(jobID string, ev eventlog.Event) eventlog.Event
}

func (m *MailboxSyncer) emit(job *Job, ev eventlog.Event) {
	m.events.Append(job.ID, ev)
}

func (m *MailboxSyncer) infof(job *Job, format string, args ...any) {
	m.emit(job, eventlog.Event{Message: fmt.Sprintf(format, args...)})
}

func (m *MailboxSyncer) errorf(job *Job, format string, args ...any) {
	m.emit(job, eventlog.Event{Message: fmt.Sprintf(format, args...), IsError: true})
}

// transition records a status change together with the event announcing it.
// A refused change is not announced.
func (m *MailboxSyncer) transition(job *Job, s Status, ev eventlog.Event) {
	if s.Terminal() {
		job.ending.Lock()
		defer job.ending.Unlock()
	}
	if job.setStatus(s) {
		m.emit(job, ev)
	}
}
