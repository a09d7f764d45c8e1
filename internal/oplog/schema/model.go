package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Task statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Task is a unit of work. Flat fields keep per-field updates simple.
type Task struct {
	// ===== Core Identification =====
	ID string `json:"id"`

	// ===== Content =====
	Title  string `json:"title"`
	Notes  string `json:"notes,omitempty"`
	Status string `json:"status"` // open, in_progress, done

	// ===== Priority =====
	Priority int `json:"priority"` // 0-4 (P0=critical, P4=backlog)

	// ===== Relationships =====
	ProjectID  string   `json:"projectId,omitempty"`
	ParentID   string   `json:"parentId,omitempty"`
	SubTaskIDs []string `json:"subTaskIds"`
	TagIDs     []string `json:"tagIds"`

	// ===== Timestamps =====
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DueAt     *time.Time `json:"dueAt,omitempty"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", t.Priority)
	}
	if !ValidStatus(t.Status) {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if t.ParentID != "" && t.ParentID == t.ID {
		return fmt.Errorf("task cannot be its own parent")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if t.SubTaskIDs == nil {
		t.SubTaskIDs = []string{}
	}
	if t.TagIDs == nil {
		t.TagIDs = []string{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	c.SubTaskIDs = append([]string{}, t.SubTaskIDs...)
	c.TagIDs = append([]string{}, t.TagIDs...)
	if t.DueAt != nil {
		due := *t.DueAt
		c.DueAt = &due
	}
	return &c
}

// Project groups top-level tasks.
type Project struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	TaskIDs    []string  `json:"taskIds"`
	IsArchived bool      `json:"isArchived,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Validate checks if the Project has valid field values.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (p *Project) SetDefaults() {
	if p.TaskIDs == nil {
		p.TaskIDs = []string{}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
}

// Clone returns a deep copy.
func (p *Project) Clone() *Project {
	c := *p
	c.TaskIDs = append([]string{}, p.TaskIDs...)
	return &c
}

// Tag labels tasks.
type Tag struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks if the Tag has valid field values.
func (g *Tag) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("id is required")
	}
	if g.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (g *Tag) SetDefaults() {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = g.CreatedAt
	}
}

// Clone returns a copy.
func (g *Tag) Clone() *Tag {
	c := *g
	return &c
}

// AppState is the whole materialized state.
type AppState struct {
	Tasks    map[string]*Task    `json:"task"`
	Projects map[string]*Project `json:"project"`
	Tags     map[string]*Tag     `json:"tag"`
}

// NewAppState returns an empty state.
func NewAppState() *AppState {
	return &AppState{
		Tasks:    make(map[string]*Task),
		Projects: make(map[string]*Project),
		Tags:     make(map[string]*Tag),
	}
}

// Decode parses a serialized state. Empty input yields an empty state.
func Decode(data []byte) (*AppState, error) {
	s := NewAppState()
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return s, nil
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode app state: %w", err)
	}
	s.ensureMaps()
	return s, nil
}

// Encode serializes the state. Map keys are emitted sorted, so equal states
// encode identically.
func (s *AppState) Encode() (json.RawMessage, error) {
	s.ensureMaps()
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode app state: %w", err)
	}
	return data, nil
}

// Clone returns a deep copy.
func (s *AppState) Clone() *AppState {
	c := NewAppState()
	for id, t := range s.Tasks {
		if t != nil {
			c.Tasks[id] = t.Clone()
		} else {
			c.Tasks[id] = nil
		}
	}
	for id, p := range s.Projects {
		if p != nil {
			c.Projects[id] = p.Clone()
		} else {
			c.Projects[id] = nil
		}
	}
	for id, g := range s.Tags {
		if g != nil {
			c.Tags[id] = g.Clone()
		} else {
			c.Tags[id] = nil
		}
	}
	return c
}

// Len returns the total number of entities.
func (s *AppState) Len() int {
	return len(s.Tasks) + len(s.Projects) + len(s.Tags)
}

func (s *AppState) ensureMaps() {
	if s.Tasks == nil {
		s.Tasks = make(map[string]*Task)
	}
	if s.Projects == nil {
		s.Projects = make(map[string]*Project)
	}
	if s.Tags == nil {
		s.Tags = make(map[string]*Tag)
	}
}
