package server

import "rpclient/client"

// SessionRecord is the per-browser-session login state. It is either the zero
// value or fully populated by NewSessionRecord; it is never filled piecemeal.
type SessionRecord struct {
	AuthorizationCode string
	AccessToken       *client.DecodedToken
	IDToken           *client.DecodedToken
	RefreshToken      string
}

// NewSessionRecord builds the record stored after a successful login.
func NewSessionRecord(code string, access, id *client.DecodedToken, refresh string) SessionRecord {
	return SessionRecord{
		AuthorizationCode: code,
		AccessToken:       access,
		IDToken:           id,
		RefreshToken:      refresh,
	}
}

// Authenticated reports whether the record carries an access token.
func (r SessionRecord) Authenticated() bool {
	return r.AccessToken != nil
}

// AuthorizationRequestParams are the values sent on one authorization redirect.
type AuthorizationRequestParams struct {
	ClientID    string
	AdapterID   string
	Scopes      []string
	RedirectURI string
	State       string
}

// URL formats the authorization request against authEndpoint.
func (p AuthorizationRequestParams) URL(authEndpoint string) string {
	return formatAuthorizationURL(authEndpoint, p.ClientID, p.AdapterID, EncodeScopes(p.Scopes), p.RedirectURI, p.State)
}
