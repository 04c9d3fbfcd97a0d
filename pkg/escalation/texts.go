package escalation

// Comment templates appended after the mention prefix. The worker never
// renders anything beyond mention composition plus one of these strings.
const (
	// TextToEmployee is posted on steps 1-3.
	TextToEmployee = "the deadline for this task has passed, please update its status or move the due date."
	// TextToEmployeeWithManager is posted on the final step, when the
	// managers are looped in.
	TextToEmployeeWithManager = "the deadline for this task has passed repeatedly, escalating to management."
)
