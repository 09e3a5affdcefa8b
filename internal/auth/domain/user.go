package domain

import "time"

const (
	ProviderEmail  = "email"
	ProviderGoogle = "google"
	ProviderIMAP   = "imap"
)

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Password  string `json:"-"` // Never return password in JSON
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Provider  string `json:"provider"` // "email", "google" or "imap"

	// Gmail OAuth credentials, present when the user connected a Gmail
	// mailbox. The refresh token outlives the access token; the gateway
	// persists refreshed access tokens back through the repository.
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`

	// IMAP credentials for accounts on plain IMAP providers. The password
	// is stored encrypted.
	ImapServer   string `json:"imap_server,omitempty"`
	ImapPort     int    `json:"imap_port,omitempty"`
	ImapPassword string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasGmail reports whether the user has a connected Gmail mailbox.
func (u *User) HasGmail() bool {
	return u.AccessToken != "" || u.RefreshToken != ""
}

// HasIMAP reports whether the user has a connected IMAP mailbox.
func (u *User) HasIMAP() bool {
	return u.ImapServer != "" && u.ImapPassword != ""
}

type RefreshToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
