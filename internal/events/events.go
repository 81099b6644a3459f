// Package events provides pool, worker and request notifications.
package events

import "time"

// EventType represents the type of event
type EventType string

const (
	// EventWorkerStarted is emitted when a worker goroutine is ready to dequeue
	EventWorkerStarted EventType = "worker_started"
	// EventWorkerStopped is emitted when a worker observes end-of-stream
	EventWorkerStopped EventType = "worker_stopped"
	// EventWorkerReplaced is emitted when a worker died abnormally and was respawned
	EventWorkerReplaced EventType = "worker_replaced"
	// EventJobPanicked is emitted when a job panics inside a worker
	EventJobPanicked EventType = "job_panicked"
	// EventJobRejected is emitted when a submission is refused
	EventJobRejected EventType = "job_rejected"
	// EventPoolClosed is emitted once a pool has drained and all workers exited
	EventPoolClosed EventType = "pool_closed"
	// EventFaultInjected is emitted when the chaos injector alters a job
	EventFaultInjected EventType = "fault_injected"
	// EventRequestServed is emitted after the server wrote a response
	EventRequestServed EventType = "request_served"
)

// Event represents a pool or server event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Pool      string    `json:"pool,omitempty"`
	WorkerID  int       `json:"worker_id"`
	Data      EventData `json:"data,omitempty"`
}

// EventData contains event-specific data
type EventData struct {
	JobID  uint64 `json:"job_id,omitempty"`
	Reason string `json:"reason,omitempty"`
	Fault  string `json:"fault,omitempty"`
	Method string `json:"method,omitempty"`
	URI    string `json:"uri,omitempty"`
	Status int    `json:"status,omitempty"`
}

// NewWorkerEvent creates a worker lifecycle event
func NewWorkerEvent(t EventType, pool string, workerID int) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		Pool:      pool,
		WorkerID:  workerID,
	}
}

// NewJobPanickedEvent creates a job panic event
func NewJobPanickedEvent(pool string, workerID int, jobID uint64, reason string) Event {
	return Event{
		Type:      EventJobPanicked,
		Timestamp: time.Now(),
		Pool:      pool,
		WorkerID:  workerID,
		Data: EventData{
			JobID:  jobID,
			Reason: reason,
		},
	}
}

// NewJobRejectedEvent creates a rejected submission event
func NewJobRejectedEvent(pool string, err error) Event {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return Event{
		Type:      EventJobRejected,
		Timestamp: time.Now(),
		Pool:      pool,
		WorkerID:  -1,
		Data: EventData{
			Reason: reason,
		},
	}
}

// NewPoolClosedEvent creates a pool closed event
func NewPoolClosedEvent(pool string) Event {
	return Event{
		Type:      EventPoolClosed,
		Timestamp: time.Now(),
		Pool:      pool,
		WorkerID:  -1,
	}
}

// NewFaultInjectedEvent creates a chaos fault event
func NewFaultInjectedEvent(workerID int, fault string) Event {
	return Event{
		Type:      EventFaultInjected,
		Timestamp: time.Now(),
		WorkerID:  workerID,
		Data: EventData{
			Fault: fault,
		},
	}
}

// NewRequestServedEvent creates a request served event
func NewRequestServedEvent(workerID int, method, uri string, status int) Event {
	return Event{
		Type:      EventRequestServed,
		Timestamp: time.Now(),
		WorkerID:  workerID,
		Data: EventData{
			Method: method,
			URI:    uri,
			Status: status,
		},
	}
}
