package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BotCredentials is the decoded form of a binding's credential blob.
type BotCredentials struct {
	Token string `json:"token"`
}

// DecodeCredentials parses a credential blob. A blob that cannot be decoded
// or carries an empty token is a permanent configuration error, not a
// transient one.
func DecodeCredentials(blob []byte) (BotCredentials, error) {
	var c BotCredentials
	if err := json.Unmarshal(blob, &c); err != nil {
		return BotCredentials{}, fmt.Errorf("malformed credential blob: %w", ErrCredentialInvalid)
	}
	if strings.TrimSpace(c.Token) == "" {
		return BotCredentials{}, fmt.Errorf("credential blob missing token: %w", ErrCredentialInvalid)
	}
	return c, nil
}

func (c BotCredentials) Encode() []byte {
	data, _ := json.Marshal(c)
	return data
}
