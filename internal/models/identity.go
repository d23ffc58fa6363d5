package models

// Identity is the authenticated caller of a request. It is produced fresh on
// every request and never persisted; the identity provider owns the user record.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
