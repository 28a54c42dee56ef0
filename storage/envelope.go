package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/gatehand/internal/util"
)

const envelopeScheme = "aes256gcm"

// Envelope is a sealed payload containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope using the given key and AAD.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, key, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext.
	return &Envelope{
		Ver:        1,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:util.GCMNonceSize],
		Ciphertext: sealed[util.GCMNonceSize:],
	}, nil
}

// OpenRecord decrypts an Envelope using the given key and AAD.
func OpenRecord(key []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	sealed := make([]byte, 0, len(envelope.Nonce)+len(envelope.Ciphertext))
	sealed = append(sealed, envelope.Nonce...)
	sealed = append(sealed, envelope.Ciphertext...)
	return util.DecryptAESWithAAD(sealed, key, aad)
}

// SealPayload seals plaintext and returns the JSON encoding of the envelope,
// ready to be stored as a Record payload.
func SealPayload(key, plaintext, aad []byte) ([]byte, error) {
	env, err := SealRecord(key, plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("sealing payload: %w", err)
	}
	return json.Marshal(env)
}

// OpenPayload reverses SealPayload.
func OpenPayload(key, payload, aad []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decoding sealed payload: %w", err)
	}
	return OpenRecord(key, &env, aad)
}
