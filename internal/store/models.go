package store

import "time"

type Company struct {
	ID                  string
	Name                string
	Group               string
	OrganizationNumber  string
	OrganizationType    string
	ResponsiblePartner  string
	AuditStage          string
	OverallRiskAssessed *bool
	FraudRiskDocumented *bool
	ControlsTested      *bool
	PartnerReviewReady  *bool
	TaskDueDate         *string
	SigningDocument     *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Task struct {
	ID             string
	CompanyID      string
	TaskNumber     string
	Task           string
	Description    string
	RobotProcessed bool
	Status         string
	Comment        string
	Evidence       string
	LastUpdated    string
}

// TaskPatch carries the optional fields of a task update; nil means
// "leave unchanged".
type TaskPatch struct {
	Status   *string
	Comment  *string
	Evidence *string
}

type Lock struct {
	CompanyID string
	ActorID   string
	ActorName string
	ExpiresAt time.Time
}

type Discussion struct {
	ID            int64
	CompanyID     string
	TaskID        string
	AuthorActorID string
	AuthorName    string
	Message       string
	CreatedAt     time.Time
}

type Notification struct {
	ID               int64
	CompanyID        string
	CompanyName      string
	TaskID           string
	RecipientName    string
	RecipientNameKey string
	SenderName       string
	Type             string
	Message          string
	IsRead           bool
	CreatedAt        time.Time
	ReadAt           *time.Time
}

type Presence struct {
	CompanyID  string
	ActorID    string
	ActorName  string
	ActorRole  string
	ActiveTab  string
	LastSeenAt time.Time
}

type ActivityEvent struct {
	ID        int64
	CompanyID string
	ActorID   string
	ActorName string
	EventType string
	Message   string
	CreatedAt time.Time
}

// DirectoryActor is a row in the known-actor directory that powers
// mention autocomplete and display-name resolution.
type DirectoryActor struct {
	ActorID     string
	DisplayName string
	NameKey     string
	Role        string
	LastSeenAt  time.Time
}

type StageCount struct {
	Stage string
	Count int
}
