package dto

// PushEnvelope is the wrapper Pub/Sub puts around pushed messages.
type PushEnvelope struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

type PushMessage struct {
	Data       string            `json:"data"` // base64-encoded payload
	MessageID  string            `json:"messageId"`
	Attributes map[string]string `json:"attributes"`
}

// PushPayload is the decoded webhook body. Gmail watch notifications carry
// emailAddress+historyId; direct integrations may carry a bare emailId.
type PushPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
	EmailID      string `json:"emailId"`
}

type UpdateConfigRequest struct {
	Enabled        *bool   `json:"enabled"`
	UseHTML        *bool   `json:"use_html"`
	ClassifySource *string `json:"classify_source" binding:"omitempty,oneof=latest first"`
}

type SavePromptRequest struct {
	PromptType string `json:"prompt_type" binding:"required,oneof=classification auto_reply"`
	Category   string `json:"category"`
	Content    string `json:"content" binding:"required"`
}
