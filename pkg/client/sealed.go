package client

import (
	"slotkv/internal/crypto"
	"slotkv/internal/status"
)

// PutSealed encrypts value with key before storing it, so it rests in
// the cluster as opaque bytes. The key never leaves the client; use
// crypto.GenerateKey or crypto.DeriveKey to obtain one.
func (c *Client) PutSealed(key string, value, sealingKey []byte) status.Status {
	sealed, err := crypto.Seal(value, sealingKey)
	if err != nil {
		return status.Error("Sealing failed: " + err.Error())
	}
	return c.Put(key, sealed)
}

// GetSealed reads and decrypts a value stored with PutSealed.
func (c *Client) GetSealed(key string, sealingKey []byte) ([]byte, status.Status) {
	sealed, st := c.Get(key)
	if !st.IsOK() {
		return nil, st
	}
	value, err := crypto.Open(sealed, sealingKey)
	if err != nil {
		return nil, status.Error("Unsealing failed: " + err.Error())
	}
	return value, status.OK()
}
