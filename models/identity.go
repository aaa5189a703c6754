package models

// Identity is the optional caller identity attached to every telemetry write.
// It is either Identified or Anonymous; nothing else implements it.
type Identity interface {
	// UserID returns the identified user's id, or "" and false for anonymous callers.
	UserID() (string, bool)
	isIdentity()
}

// Identified is a caller the identity provider vouched for.
type Identified struct {
	ID string
}

func (i Identified) UserID() (string, bool) { return i.ID, true }
func (Identified) isIdentity()                {}

// Anonymous is a caller without an identity.
type Anonymous struct{}

func (Anonymous) UserID() (string, bool) { return "", false }
func (Anonymous) isIdentity()            {}

// IdentityFromUserID maps a stored user id column back into an Identity.
// An empty id means the row was written anonymously.
func IdentityFromUserID(userID string) Identity {
	if userID == "" {
		return Anonymous{}
	}
	return Identified{ID: userID}
}

// VisitorKey is what unique-visitor counts are keyed on: the user id when
// identified, otherwise the session id.
func VisitorKey(id Identity, sessionID string) string {
	if id != nil {
		if userID, ok := id.UserID(); ok {
			return "user:" + userID
		}
	}
	return "session:" + sessionID
}
