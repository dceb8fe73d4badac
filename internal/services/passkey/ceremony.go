package passkey

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/config"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
)

// Ceremony runs the WebAuthn protocol. Begin calls return the options for
// the browser and an opaque state string that must be handed back to the
// matching Finish call.
type Ceremony interface {
	BeginRegistration(user *models.User) (options json.RawMessage, state string, err error)
	FinishRegistration(user *models.User, state string, response []byte) (*models.WebAuthnCredential, error)
	BeginLogin(user *models.User, creds []models.WebAuthnCredential) (options json.RawMessage, state string, err error)
	// FinishLogin returns the stored credential that signed the assertion
	// with its sign count and flags updated.
	FinishLogin(user *models.User, creds []models.WebAuthnCredential, state string, response []byte) (*models.WebAuthnCredential, error)
}

// WebAuthnCeremony implements Ceremony with go-webauthn.
type WebAuthnCeremony struct {
	w *webauthn.WebAuthn
}

var _ Ceremony = (*WebAuthnCeremony)(nil)

// NewWebAuthnCeremony configures the relying party.
func NewWebAuthnCeremony(cfg config.WebAuthnConfig) (*WebAuthnCeremony, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &WebAuthnCeremony{w: w}, nil
}

// rpUser adapts a user and its stored credentials to webauthn.User.
type rpUser struct {
	user  *models.User
	creds []webauthn.Credential
}

func (u rpUser) WebAuthnID() []byte                         { return []byte(u.user.ID) }
func (u rpUser) WebAuthnName() string                       { return u.user.Username }
func (u rpUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func (u rpUser) WebAuthnDisplayName() string {
	if u.user.DisplayName != "" {
		return u.user.DisplayName
	}
	return u.user.Username
}

func newRPUser(user *models.User, stored []models.WebAuthnCredential) (rpUser, error) {
	u := rpUser{user: user}
	for _, c := range stored {
		id, err := base64.RawURLEncoding.DecodeString(c.ID)
		if err != nil {
			return u, fmt.Errorf("decode credential id %s: %w", c.ID, err)
		}
		pub, err := base64.StdEncoding.DecodeString(c.PublicKey)
		if err != nil {
			return u, fmt.Errorf("decode public key of %s: %w", c.ID, err)
		}
		u.creds = append(u.creds, webauthn.Credential{
			ID:              id,
			PublicKey:       pub,
			AttestationType: c.AttestationType,
			Flags: webauthn.CredentialFlags{
				BackupEligible: c.BackupEligible,
				BackupState:    c.BackupState,
			},
			Authenticator: webauthn.Authenticator{SignCount: uint32(c.SignCount)}, // #nosec G115 -- sign counts come from uint32
		})
	}
	return u, nil
}

func encodeState(s *webauthn.SessionData) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode webauthn session: %w", err)
	}
	return string(b), nil
}

func decodeState(state string) (webauthn.SessionData, error) {
	var s webauthn.SessionData
	if err := json.Unmarshal([]byte(state), &s); err != nil {
		return s, fmt.Errorf("decode webauthn session: %w", err)
	}
	return s, nil
}

func (c *WebAuthnCeremony) BeginRegistration(user *models.User) (json.RawMessage, string, error) {
	options, sess, err := c.w.BeginRegistration(rpUser{user: user},
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		}))
	if err != nil {
		return nil, "", err
	}
	return marshalBegin(options, sess)
}

func (c *WebAuthnCeremony) FinishRegistration(user *models.User, state string, response []byte) (*models.WebAuthnCredential, error) {
	sess, err := decodeState(state)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, err
	}
	cred, err := c.w.CreateCredential(rpUser{user: user}, sess, parsed)
	if err != nil {
		return nil, err
	}
	return &models.WebAuthnCredential{
		ID:              base64.RawURLEncoding.EncodeToString(cred.ID),
		PublicKey:       base64.StdEncoding.EncodeToString(cred.PublicKey),
		SignCount:       int64(cred.Authenticator.SignCount),
		AttestationType: cred.AttestationType,
		AAGUID:          hex.EncodeToString(cred.Authenticator.AAGUID),
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}, nil
}

func (c *WebAuthnCeremony) BeginLogin(user *models.User, creds []models.WebAuthnCredential) (json.RawMessage, string, error) {
	u, err := newRPUser(user, creds)
	if err != nil {
		return nil, "", err
	}
	options, sess, err := c.w.BeginLogin(u, webauthn.WithUserVerification(protocol.VerificationPreferred))
	if err != nil {
		return nil, "", err
	}
	return marshalBegin(options, sess)
}

func (c *WebAuthnCeremony) FinishLogin(user *models.User, creds []models.WebAuthnCredential, state string, response []byte) (*models.WebAuthnCredential, error) {
	sess, err := decodeState(state)
	if err != nil {
		return nil, err
	}
	u, err := newRPUser(user, creds)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, err
	}
	cred, err := c.w.ValidateLogin(u, sess, parsed)
	if err != nil {
		return nil, err
	}
	if cred.Authenticator.CloneWarning {
		return nil, fmt.Errorf("sign count did not increase, the authenticator may be cloned")
	}

	id := base64.RawURLEncoding.EncodeToString(cred.ID)
	for _, stored := range creds {
		if stored.ID == id {
			out := stored
			out.SignCount = int64(cred.Authenticator.SignCount)
			out.BackupState = cred.Flags.BackupState
			return &out, nil
		}
	}
	return nil, fmt.Errorf("credential %s is not registered to the user", id)
}

func marshalBegin(options any, sess *webauthn.SessionData) (json.RawMessage, string, error) {
	raw, err := json.Marshal(options)
	if err != nil {
		return nil, "", fmt.Errorf("encode webauthn options: %w", err)
	}
	state, err := encodeState(sess)
	if err != nil {
		return nil, "", err
	}
	return raw, state, nil
}
