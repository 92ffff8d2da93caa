// Package events defines the event types published on the engine bus.
package events

// Event types for sessions
const (
	SessionStarted   = "session.started"
	SessionRebound   = "session.rebound"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
	SessionAborted   = "session.aborted"
)

// Event types for containers
const (
	ContainerCreated = "container.created"
	ContainerRemoved = "container.removed"
	ContainerFailed  = "container.failed"
)

// Event types for the janitor
const (
	ContainersReaped = "janitor.containers_reaped"
	SessionsSwept    = "janitor.sessions_swept"
	MetricsPruned    = "janitor.metrics_pruned"
)

// ProjectsChanged signals that a user's project/session listing may refresh.
// The gateway forwards it to browsers only when the user has no in-flight
// sessions.
const ProjectsChanged = "engine.projects_changed"
