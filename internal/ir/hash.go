package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainObject    = "weft/object/v1"
	DomainHeader    = "weft/header/v1"
	DomainOwnership = "weft/ownership/v1"
	DomainState     = "weft/state/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ObjectHash computes the content hash of a record of the given class.
func ObjectHash(class string, value IRObject) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"class": IRString(class),
		"value": value,
	})
	if err != nil {
		return "", fmt.Errorf("ObjectHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainObject, canonical), nil
}

// HeaderHash computes the hash of a history header body.
func HeaderHash(body IRObject) (string, error) {
	canonical, err := MarshalCanonical(body)
	if err != nil {
		return "", fmt.Errorf("HeaderHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainHeader, canonical), nil
}

// StateHash computes the hash of an announced sync state.
func StateHash(body IRObject) (string, error) {
	canonical, err := MarshalCanonical(body)
	if err != nil {
		return "", fmt.Errorf("StateHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// OwnershipProof computes a keyed hash of a literal using a request secret.
// Only a holder of the literal's full content can produce it, and the secret
// makes proofs useless outside the request that asked for them.
//
// Format: SHA256(DomainOwnership + 0x00 + secret + 0x00 + canonical(literal))
func OwnershipProof(secret string, lit Literal) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"class": IRString(lit.Class),
		"value": lit.Value,
	})
	if err != nil {
		return "", fmt.Errorf("OwnershipProof: failed to marshal: %w", err)
	}
	data := make([]byte, 0, len(secret)+1+len(canonical))
	data = append(data, secret...)
	data = append(data, 0x00)
	data = append(data, canonical...)
	return hashWithDomain(DomainOwnership, data), nil
}
