package download

import "fmt"

// Status is the lifecycle state of a download.
type Status int

const (
	// StatusUnknown is the zero value and never produced by normal flow.
	StatusUnknown Status = iota
	// StatusPending marks a download that has no persisted record yet.
	StatusPending
	// StatusIdle marks a created download that has not been started.
	StatusIdle
	// StatusInProgress marks a download that is actively streaming.
	StatusInProgress
	// StatusPaused marks a download stopped mid-stream with its partial file kept.
	StatusPaused
	// StatusCancelled is terminal; the record is removed.
	StatusCancelled
	// StatusCompleted is terminal; the record is removed and the file finalized.
	StatusCompleted
)

var statusNames = map[Status]string{
	StatusUnknown:    "Unknown",
	StatusPending:    "Pending",
	StatusIdle:       "Idle",
	StatusInProgress: "InProgress",
	StatusPaused:     "Paused",
	StatusCancelled:  "Cancelled",
	StatusCompleted:  "Completed",
}

var statusText = map[Status]string{
	StatusUnknown:    "unknown",
	StatusPending:    "pending",
	StatusIdle:       "idle",
	StatusInProgress: "inProgress",
	StatusPaused:     "paused",
	StatusCancelled:  "cancelled",
	StatusCompleted:  "completed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes the status in its camelCase wire form.
func (s Status) MarshalText() ([]byte, error) {
	text, ok := statusText[s]
	if !ok {
		return nil, fmt.Errorf("invalid download status %d", int(s))
	}

	return []byte(text), nil
}

// UnmarshalText decodes the camelCase wire form.
func (s *Status) UnmarshalText(text []byte) error {
	for status, t := range statusText {
		if t == string(text) {
			*s = status

			return nil
		}
	}

	return fmt.Errorf("invalid download status %q", string(text))
}

// IsTerminal reports whether the status is only ever emitted, never persisted.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// Record is the persisted unit of work. Path is the unique key.
type Record struct {
	URL      string  `json:"url"`
	Path     string  `json:"path"`
	Progress float64 `json:"progress"`
	Status   Status  `json:"status"`
}

// WithStatus returns a copy with the given status. Completed forces progress to 100.
func (r Record) WithStatus(status Status) Record {
	r.Status = status
	if status == StatusCompleted {
		r.Progress = 100
	}

	return r
}

// WithProgress returns an in-progress copy with the given progress.
func (r Record) WithProgress(progress float64) Record {
	r.Progress = progress
	r.Status = StatusInProgress

	return r
}

// ActionResponse is the result shape shared by every gated operation.
type ActionResponse struct {
	Download         Record `json:"download"`
	ExpectedStatus   Status `json:"expectedStatus"`
	IsExpectedStatus bool   `json:"isExpectedStatus"`
}

// NewActionResponse reports an operation that reached its expected status.
func NewActionResponse(r Record) ActionResponse {
	return ActionResponse{
		Download:         r,
		ExpectedStatus:   r.Status,
		IsExpectedStatus: true,
	}
}

// WithExpectedStatus reports the current record against the status the
// operation needed; IsExpectedStatus is true only when they match.
func WithExpectedStatus(r Record, expected Status) ActionResponse {
	return ActionResponse{
		Download:         r,
		ExpectedStatus:   expected,
		IsExpectedStatus: r.Status == expected,
	}
}
