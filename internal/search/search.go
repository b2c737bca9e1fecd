package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultCompany    ResultType = "company"
	ResultTask       ResultType = "task"
	ResultDiscussion ResultType = "discussion"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	CompanyID string     `json:"companyId"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// CompanyRecord is the data we index for a company.
type CompanyRecord struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Group              string `json:"group"`
	OrganizationNumber string `json:"organizationNumber"`
	ResponsiblePartner string `json:"responsiblePartner"`
	AuditStage         string `json:"auditStage"`
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID         string `json:"id"`
	CompanyID  string `json:"companyId"`
	TaskNumber string `json:"taskNumber"`
	Task       string `json:"task"`
	Comment    string `json:"comment"`
	Status     string `json:"status"`
}

// DiscussionRecord is the data we index for a discussion comment.
type DiscussionRecord struct {
	ID         string `json:"id"`
	CompanyID  string `json:"companyId"`
	TaskID     string `json:"taskId"`
	AuthorName string `json:"authorName"`
	Message    string `json:"message"`
}
