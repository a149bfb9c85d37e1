package models

import (
	"encoding/base64"
)

// SignatureRecord is a cross-chain signature attached to an execution. The
// record is stored and looked up; verifying the signature itself belongs to
// the chain that produced it.
type SignatureRecord struct {
	ExecutionID string `json:"executionId"`
	// Signature is base64 encoded.
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
	ChainID   uint64 `json:"chainId"`
	Nonce     uint64 `json:"nonce"`
	StoredAt  int64  `json:"storedAt"`
}

func (r SignatureRecord) Validate() error {
	if r.ExecutionID == "" {
		return &ValidationError{Field: "executionId", Reason: "must not be empty"}
	}
	if r.Signature == "" {
		return &ValidationError{Field: "signature", Reason: "must not be empty"}
	}
	if _, err := base64.StdEncoding.DecodeString(r.Signature); err != nil {
		return &ValidationError{Field: "signature", Reason: "must be base64"}
	}
	if r.PublicKey == "" {
		return &ValidationError{Field: "publicKey", Reason: "must not be empty"}
	}
	return nil
}
