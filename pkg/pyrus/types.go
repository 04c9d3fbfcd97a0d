package pyrus

// Person is a Pyrus directory entry as it appears inside task payloads.
type Person struct {
	ID        int    `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// MemberInfo is a resolved directory lookup: the id and display name used
// to build a mention.
type MemberInfo struct {
	ID       int    `json:"id"`
	Fullname string `json:"fullname"`
}

// ManagerPair holds the two escalation managers mentioned on the final
// step.
type ManagerPair struct {
	First  MemberInfo
	Second MemberInfo
}

// Subscriber is one entry of a task's subscriber list.
type Subscriber struct {
	Person Person `json:"person"`
}

// Comment is a task comment; only the fields the admission and
// subscription logic inspect are mapped.
type Comment struct {
	ID               int64    `json:"id"`
	SubscribersAdded []Person `json:"subscribers_added"`
}

// FormFieldValue is the value payload of a form field.
type FormFieldValue struct {
	TaskID int64 `json:"task_id"`
}

// FormField is one form field of a task.
type FormField struct {
	ID    int             `json:"id"`
	Value *FormFieldValue `json:"value"`
}

// Task is the task object returned by the Pyrus API.
type Task struct {
	ID               int64        `json:"id"`
	Due              string       `json:"due"`
	DueDate          string       `json:"due_date"`
	Duration         *int         `json:"duration"`
	CreateDate       string       `json:"create_date"`
	LastModifiedDate string       `json:"last_modified_date"`
	CloseDate        string       `json:"close_date"`
	IsClosed         bool         `json:"is_closed"`
	FormID           int          `json:"form_id"`
	ParentTaskID     int64        `json:"parent_task_id"`
	Responsible      *Person      `json:"responsible"`
	Subscribers      []Subscriber `json:"subscribers"`
	Comments         []Comment    `json:"comments"`
	Fields           []FormField  `json:"fields"`
}

// taskEnvelope is the response wrapper every task-scoped endpoint uses.
type taskEnvelope struct {
	Task  *Task  `json:"task"`
	Error string `json:"error"`
}

// Presence is the tri-state result of a task existence check.
type Presence int

const (
	// PresenceUnknown means the check could not be completed (network
	// failure); the caller should release its lock and retry later.
	PresenceUnknown Presence = iota
	// PresencePresent means the task exists and is readable.
	PresencePresent
	// PresenceAbsent means the task is gone or access was revoked.
	PresenceAbsent
)
