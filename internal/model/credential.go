package model

// Credential is the upstream credential derived from a single request.
// It is either an APIKey or a BearerToken.
type Credential interface {
	// Authorization renders the credential as an upstream Authorization header value.
	Authorization() string
	// Redacted returns a log-safe description of the credential.
	Redacted() string

	credential()
}

// APIKey authenticates with an upstream API key.
type APIKey string

// BearerToken authenticates with an upstream bearer token.
type BearerToken string

// Authorization implements Credential.
func (k APIKey) Authorization() string { return "api-key " + string(k) }

// Redacted implements Credential.
func (k APIKey) Redacted() string { return "api-key " + redact(string(k)) }

func (APIKey) credential() {}

// Authorization implements Credential.
func (t BearerToken) Authorization() string { return "Bearer " + string(t) }

// Redacted implements Credential.
func (t BearerToken) Redacted() string { return "bearer " + redact(string(t)) }

func (BearerToken) credential() {}

// redact keeps at most the first four characters of a secret.
func redact(s string) string {
	if len(s) <= 4 {
		return "[REDACTED]"
	}
	return s[:4] + "[REDACTED]"
}
