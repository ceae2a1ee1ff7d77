package channel

import "github.com/google/uuid"

// Credentials holds the per-tenant provider settings a connector needs.
type Credentials struct {
	EmailFrom       string `json:"emailFrom"`
	ChatToken       string `json:"chatToken"`
	ChatSenderID    string `json:"chatSenderId"`
	VoiceToken      string `json:"voiceToken"`
	VoiceFromNumber string `json:"voiceFromNumber"`
}

// CredentialSource resolves credentials for a tenant.
type CredentialSource interface {
	ForTenant(tenantID uuid.UUID) Credentials
}

// StaticCredentials is a CredentialSource resolved once at startup.
// Tenant entries override the defaults field by field.
type StaticCredentials struct {
	Default Credentials
	Tenants map[uuid.UUID]Credentials
}

// ForTenant implements CredentialSource.
func (s *StaticCredentials) ForTenant(tenantID uuid.UUID) Credentials {
	out := s.Default
	t, ok := s.Tenants[tenantID]
	if !ok {
		return out
	}
	if t.EmailFrom != "" {
		out.EmailFrom = t.EmailFrom
	}
	if t.ChatToken != "" {
		out.ChatToken = t.ChatToken
	}
	if t.ChatSenderID != "" {
		out.ChatSenderID = t.ChatSenderID
	}
	if t.VoiceToken != "" {
		out.VoiceToken = t.VoiceToken
	}
	if t.VoiceFromNumber != "" {
		out.VoiceFromNumber = t.VoiceFromNumber
	}
	return out
}
