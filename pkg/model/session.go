package model

import "encoding/json"

// User is the identity returned by the auth endpoint and persisted as the
// "user" record of a session.
type User struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Session is the logged-in identity together with its credential.
type Session struct {
	User  User
	Token string
}

func (s Session) Valid() bool {
	return s.User.Username != "" && s.Token != ""
}

// Identity is the name the live channel knows this user by.
func (s Session) Identity() string {
	return s.User.Username
}

func (u *User) UnmarshalJSON(b []byte) error {
	var w struct {
		ID       FlexID `json:"id"`
		MongoID  FlexID `json:"_id"`
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*u = User{
		ID:       firstNonEmpty(string(w.ID), string(w.MongoID)),
		Username: w.Username,
		Email:    w.Email,
	}
	return nil
}
