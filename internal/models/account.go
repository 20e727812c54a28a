package models

// Identity is a sending identity of a mail account
type Identity struct {
	Email string `json:"email" yaml:"email"`
}

// Account is a mail account known to the host
type Account struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name,omitempty" yaml:"name,omitempty"`
	Identities []Identity `json:"identities" yaml:"identities"`
}

// AccountEventType is the kind of account change the host reports
type AccountEventType string

const (
	// AccountEventCreated is reported when an account is added
	AccountEventCreated AccountEventType = "created"
	// AccountEventUpdated is reported when an account's identities change
	AccountEventUpdated AccountEventType = "updated"
)

// AccountEvent is the payload of an account change notification
type AccountEvent struct {
	AccountID string           `json:"account_id" validate:"required,max=256"`
	Type      AccountEventType `json:"type" validate:"required,oneof=created updated"`
}
