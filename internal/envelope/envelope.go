// Package envelope implements Component B: the optional symmetric
// encrypt/decrypt wrapping of agent RPC payloads, keyed per agent.
// Grounded on internal/secrets/transport.go's wrap/unwrap idiom,
// generalized from per-value string encryption to whole-payload
// encryption, as spec.md §4.B requires.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Envelope wraps a *Cipher. A nil cipher (or a nil *Envelope) makes every
// method a passthrough, mirroring the teacher's nil-safe TransportCipher.
type Envelope struct {
	cipher *Cipher
}

// New builds an Envelope around cipher. Passing a nil cipher disables
// encryption entirely.
func New(cipher *Cipher) *Envelope {
	return &Envelope{cipher: cipher}
}

// Enabled reports whether this envelope actually encrypts.
func (e *Envelope) Enabled() bool {
	return e != nil && e.cipher != nil
}

// Encode wraps payload for the wire. When disabled it returns payload
// unchanged; when enabled it returns
// {"encrypted_data": base64(seal(json(payload))), "session_id": sid}.
// session_id is a fresh opaque token per call; collisions are not
// defended against at this layer, per spec.md §4.B.
func (e *Envelope) Encode(payload map[string]any) (map[string]any, error) {
	if !e.Enabled() {
		return payload, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	ciphertext, err := e.cipher.Encrypt(data)
	if err != nil {
		return nil, err
	}
	sid, err := randomSessionID()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"encrypted_data": base64.StdEncoding.EncodeToString(ciphertext),
		"session_id":     sid,
	}, nil
}

// Decode reverses Encode. Replies without an "encrypted_data" key pass
// through unchanged. Any decryption failure (bad base64, GCM auth
// failure, malformed JSON) is swallowed into a uniform
// {"exception": {"message": "CryptError: ..."}} shape so Component C's
// error handling stays uniform, per spec.md §4.B/§7.
func (e *Envelope) Decode(reply map[string]any) map[string]any {
	if !e.Enabled() {
		return reply
	}
	raw, ok := reply["encrypted_data"]
	if !ok {
		return reply
	}
	encoded, ok := raw.(string)
	if !ok {
		return cryptError(fmt.Errorf("encrypted_data is not a string"))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return cryptError(err)
	}
	plaintext, err := e.cipher.Decrypt(ciphertext)
	if err != nil {
		return cryptError(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(plaintext, &decoded); err != nil {
		return cryptError(err)
	}
	return decoded
}

func cryptError(err error) map[string]any {
	return map[string]any{
		"exception": map[string]any{
			"message": "CryptError: " + err.Error(),
		},
	}
}

func randomSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
