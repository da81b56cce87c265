package models

import "time"

// User represents a bot user with usage counters and the provider credential
type User struct {
	ID           int64          `json:"id"`
	Username     string         `json:"username,omitempty"`
	FirstName    string         `json:"first_name,omitempty"`
	LastName     string         `json:"last_name,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	CommandsUsed map[string]int `json:"commands_used"`
	OpenAIKey    *string        `json:"openai_key"`
}

// NewUser returns a user with zero-valued counters and no credential.
func NewUser(id int64, username, firstName, lastName string, now time.Time) *User {
	return &User{
		ID:           id,
		Username:     username,
		FirstName:    firstName,
		LastName:     lastName,
		CreatedAt:    now,
		LastActivity: now,
		CommandsUsed: map[string]int{},
	}
}

// DisplayName prefers the first name and falls back to the username.
func (u *User) DisplayName() string {
	if u.FirstName != "" {
		if u.LastName != "" {
			return u.FirstName + " " + u.LastName
		}
		return u.FirstName
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return "user"
}

// HasCredential reports whether a non-empty API key is stored.
func (u *User) HasCredential() bool {
	return u.OpenAIKey != nil && *u.OpenAIKey != ""
}

// Touch records an interaction and bumps the command counter when given.
func (u *User) Touch(command string, now time.Time) {
	u.LastActivity = now
	if command == "" {
		return
	}
	if u.CommandsUsed == nil {
		u.CommandsUsed = map[string]int{}
	}
	u.CommandsUsed[command]++
}

// Clone returns a deep copy so callers never share maps with a store.
func (u *User) Clone() *User {
	c := *u
	c.CommandsUsed = make(map[string]int, len(u.CommandsUsed))
	for k, v := range u.CommandsUsed {
		c.CommandsUsed[k] = v
	}
	if u.OpenAIKey != nil {
		key := *u.OpenAIKey
		c.OpenAIKey = &key
	}
	return &c
}
