// Package delegation parses and structurally validates signed delegation
// payloads. Nothing here touches the chain: cryptographic verification of
// the delegation signature happens inside the execution relay's on-chain
// logic. This package is a trust boundary, not the final authority on
// signature validity.
package delegation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridianpay/meridian-api/internal/helpers"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

// ecdsaSignatureLength is the byte length of a standard secp256k1 signature
// (r || s || v). Longer signatures are accepted as EIP-1271 contract
// signature blobs.
const ecdsaSignatureLength = 65

// DecodeError reports malformed delegation bytes. Always fatal: the caller
// must refuse to execute and surface the reason, never retry.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delegation decode failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("delegation decode failed: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError reports a structural or policy violation in an otherwise
// well-formed delegation. Fatal, surfaced to the caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("delegation validation failed: %s", e.Reason)
}

// Policy controls validation rules that are deployment configuration rather
// than structural requirements.
type Policy struct {
	// AllowUnrestricted permits delegations with an empty caveat list.
	// Off by default: an unrestricted delegation grants unlimited scope.
	AllowUnrestricted bool
}

// Parse decodes serialized delegation bytes into their structured form.
// Decoding failures are local and recoverable; they never crash the service.
func Parse(data []byte) (*business.Delegation, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "empty delegation payload"}
	}

	var d business.Delegation
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &DecodeError{Reason: "invalid delegation encoding", Err: err}
	}

	return &d, nil
}

// Validate checks structural invariants in order: completeness, signature
// well-formedness, then the caveat policy. It performs no blockchain calls
// and no cryptographic verification.
func Validate(d *business.Delegation, policy Policy) error {
	// 1. Structural completeness
	if d.Delegate == "" {
		return &ValidationError{Reason: "delegate is required"}
	}
	if !helpers.IsAddressValid(d.Delegate) {
		return &ValidationError{Reason: fmt.Sprintf("delegate %q is not a valid address", d.Delegate)}
	}
	if d.Delegator == "" {
		return &ValidationError{Reason: "delegator is required"}
	}
	if !helpers.IsAddressValid(d.Delegator) {
		return &ValidationError{Reason: fmt.Sprintf("delegator %q is not a valid address", d.Delegator)}
	}
	if d.Authority == "" {
		return &ValidationError{Reason: "authority is required"}
	}
	if !d.IsRoot() && !isHexOfLength(d.Authority, 32) {
		return &ValidationError{Reason: "authority must be the root marker or a 32-byte delegation hash"}
	}
	if d.Signature == "" {
		return &ValidationError{Reason: "signature is required"}
	}

	// 2. Signature well-formedness. Length and prefix only; the relay's
	// on-chain logic performs the cryptographic check.
	sig, err := decodeHex(d.Signature)
	if err != nil {
		return &ValidationError{Reason: "signature is not valid hex"}
	}
	if len(sig) != ecdsaSignatureLength && len(sig) < 4 {
		return &ValidationError{Reason: fmt.Sprintf("signature length %d is neither an ECDSA signature nor a contract signature blob", len(sig))}
	}

	// 3. Caveat policy. Caveats are conjunctive and evaluated in order
	// on-chain; here we only check shape.
	if len(d.Caveats) == 0 && !policy.AllowUnrestricted {
		return &ValidationError{Reason: "delegation has no caveats and unrestricted delegations are not allowed"}
	}
	for i, c := range d.Caveats {
		if !helpers.IsAddressValid(c.Enforcer) {
			return &ValidationError{Reason: fmt.Sprintf("caveat %d enforcer %q is not a valid address", i, c.Enforcer)}
		}
		if c.Terms != "" {
			if _, err := decodeHex(c.Terms); err != nil {
				return &ValidationError{Reason: fmt.Sprintf("caveat %d terms are not valid hex", i)}
			}
		}
	}

	return nil
}

// ParseAndValidate is the common entry point for callers holding raw bytes.
func ParseAndValidate(data []byte, policy Policy) (*business.Delegation, error) {
	d, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(d, policy); err != nil {
		return nil, err
	}
	return d, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func isHexOfLength(s string, n int) bool {
	b, err := decodeHex(s)
	return err == nil && len(b) == n
}
