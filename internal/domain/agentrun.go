package domain

import "time"

// AgentRole is the specialist role an AgentRun plays within a pipeline.
type AgentRole string

const (
	RoleArchitect AgentRole = "architect"
	RoleCoder     AgentRole = "coder"
	RoleReviewer  AgentRole = "reviewer"
	RoleTester    AgentRole = "tester"
)

// IsValid reports whether r is one of the four pipeline roles.
func (r AgentRole) IsValid() bool {
	switch r {
	case RoleArchitect, RoleCoder, RoleReviewer, RoleTester:
		return true
	}
	return false
}

// AgentRunStatus is the lifecycle state of one agent invocation.
type AgentRunStatus string

const (
	RunStarted   AgentRunStatus = "started"
	RunThinking  AgentRunStatus = "thinking"
	RunCoding    AgentRunStatus = "coding"
	RunTesting   AgentRunStatus = "testing"
	RunReviewing AgentRunStatus = "reviewing"
	RunCompleted AgentRunStatus = "completed"
	RunFailed    AgentRunStatus = "failed"
)

// IsTerminal reports whether s is a run-ending status.
func (s AgentRunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// AgentRun is one invocation of one agent for one feature (or, for a work
// session, one long-lived interactive invocation).
type AgentRun struct {
	ID           string
	ProjectID    string
	FeatureID    string // empty for a work-session run not tied to a feature
	AgentID      string
	Role         AgentRole
	Status       AgentRunStatus
	StartedAt    time.Time
	EndedAt      *time.Time
	Summary      string
	ErrorMessage string
}

// MessageSender identifies who produced an AgentMessage.
type MessageSender string

const (
	SenderUser   MessageSender = "user"
	SenderAgent  MessageSender = "agent"
	SenderSystem MessageSender = "system"
)

// MessageType classifies an AgentMessage's purpose.
type MessageType string

const (
	MessageText      MessageType = "message"
	MessageStatus    MessageType = "status"
	MessageError     MessageType = "error"
	MessageQuiz      MessageType = "quiz"
	MessagePRReady   MessageType = "pr_ready"
	MessagePRCreated MessageType = "pr_created"
)

// AgentMessage is one entry in an agent run's chat/event history.
type AgentMessage struct {
	ID        string
	RunID     string
	ThreadID  string // empty if not part of a thread
	Sender    MessageSender
	Type      MessageType
	Role      AgentRole
	Content   string
	Timestamp time.Time // monotonic within a run
	Metadata  map[string]string
}

// ThreadMode distinguishes a chat thread from an interactive work-session thread.
type ThreadMode string

const (
	ThreadChat ThreadMode = "chat"
	ThreadWork ThreadMode = "work"
)

// ThreadStatus is the lifecycle state of an AgentThread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

// AgentThread groups messages for one (agent, thread-id) conversation.
type AgentThread struct {
	ID        string
	AgentID   string
	ProjectID string
	Title     string
	Mode      ThreadMode
	Status    ThreadStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
