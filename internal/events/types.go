// Package events defines the pipeline subjects and message bodies exchanged
// over the event bus.
package events

// Subjects for the session-message pipeline.
const (
	// SubjectNewMessage carries every accepted user message into the buffer
	// controller.
	SubjectNewMessage = "acontext.message.new"

	// SubjectBufferedMessage carries flush decisions into the session-message
	// consumer.
	SubjectBufferedMessage = "acontext.message.buffered"
)

// Subjects for the skill-learning pipeline.
const (
	// SubjectSkillLearnTask carries terminal task ids into the distiller.
	SubjectSkillLearnTask = "acontext.skill.learn-task"

	// SubjectSkillLearnDistilled carries distilled context into the skill agent.
	SubjectSkillLearnDistilled = "acontext.skill.learn-distilled"
)

// Event types.
const (
	TypeNewMessage      = "message.new"
	TypeBufferedMessage = "message.buffered"
	TypeLearnTask       = "skill.learn_task"
	TypeLearnDistilled  = "skill.learn_distilled"
)

// Queue groups. One consumer in each group receives a given delivery.
const (
	QueueBufferController = "buffer-controller"
	QueueSessionConsumer  = "session-consumer"
	QueueSkillDistiller   = "skill-distiller"
	QueueSkillAgent       = "skill-agent"
)

// MessageBody is the payload of both SubjectNewMessage and
// SubjectBufferedMessage. UUIDs travel as strings.
type MessageBody struct {
	ProjectID       string `json:"project_id"`
	SessionID       string `json:"session_id"`
	MessageID       string `json:"message_id"`
	SkipLatestCheck bool   `json:"skip_latest_check"`
}

// LearnTaskBody is the payload of SubjectSkillLearnTask.
type LearnTaskBody struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
}

// LearnDistilledBody is the payload of SubjectSkillLearnDistilled.
type LearnDistilledBody struct {
	ProjectID        string `json:"project_id"`
	SessionID        string `json:"session_id"`
	TaskID           string `json:"task_id"`
	LearningSpaceID  string `json:"learning_space_id"`
	DistilledContext string `json:"distilled_context"`
}
