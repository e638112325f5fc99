package auth

// Service is the account/session contract consumed by the HTTP layer. The
// account id returned here doubles as the participant id inside games.
type Service interface {
	Register(username, password string) (accountID string, sessionToken string, err error)
	Login(username, password string) (accountID string, sessionToken string, err error)
	ResolveSession(token string) (accountID string, username string, ok bool)
	Logout(token string)
	Close() error
}
