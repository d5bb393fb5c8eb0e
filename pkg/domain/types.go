package domain

import "time"

// Principal is the authenticated account as reported by the auth service.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// QuotaLedger holds the daily usage counters of one account.
// LastResetDate is a UTC calendar date (midnight, no time of day).
type QuotaLedger struct {
	AccountID      string    `json:"accountId"`
	UploadsToday   int       `json:"uploadsToday"`
	QuestionsToday int       `json:"questionsToday"`
	LastResetDate  time.Time `json:"lastResetDate"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// DocumentSlot is the single current paper of an account.
type DocumentSlot struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	Filename  string `json:"filename"`
	Summary   string `json:"summary"`
	Content   string `json:"-"`
	// Embeddings holds one vector per retrieval chunk of Content.
	Embeddings [][]float32 `json:"-"`
	StorageKey string      `json:"-"`
	SizeBytes  int64       `json:"sizeBytes"`
	UploadedAt time.Time   `json:"uploadedAt"`
}

// DocumentMeta is the display view of a DocumentSlot.
type DocumentMeta struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Summary    string    `json:"summary"`
	SizeBytes  int64     `json:"sizeBytes"`
	Archived   bool      `json:"archived"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Meta strips the stored text and storage location from the slot.
func (d DocumentSlot) Meta() DocumentMeta {
	return DocumentMeta{
		ID:         d.ID,
		Filename:   d.Filename,
		Summary:    d.Summary,
		SizeBytes:  d.SizeBytes,
		Archived:   d.StorageKey != "",
		UploadedAt: d.UploadedAt,
	}
}

// Usage is the counter view returned to callers.
type Usage struct {
	UploadsToday       int    `json:"uploadsToday"`
	UploadLimit        int    `json:"uploadLimit"`
	QuestionsToday     int    `json:"questionsToday"`
	QuestionLimit      int    `json:"questionLimit"`
	UploadsRemaining   int    `json:"uploadsRemaining"`
	QuestionsRemaining int    `json:"questionsRemaining"`
	ResetDate          string `json:"resetDate"`
}

// Status is the read-only account view.
type Status struct {
	Usage    Usage         `json:"usage"`
	Document *DocumentMeta `json:"document,omitempty"`
}
