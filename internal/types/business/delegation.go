package business

// RootAuthority marks a delegation granted directly by the delegator rather
// than re-delegated from a prior delegation.
const RootAuthority = "0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

// Delegation is a signed, scoped authorization letting the delegate move the
// delegator's funds under the constraints carried by its caveats. The
// structure matches the off-chain delegation format produced by the
// customer's smart-account client. A delegation is immutable once signed;
// redemption consumes it but never mutates it.
type Delegation struct {
	Delegate  string   `json:"delegate"`
	Delegator string   `json:"delegator"`
	Authority string   `json:"authority"`
	Caveats   []Caveat `json:"caveats"`
	Salt      string   `json:"salt"`
	Signature string   `json:"signature"`
}

// Caveat is a single restriction attached to a delegation. Caveats are
// evaluated in order and are conjunctive: all must pass for a redemption to
// be accepted on-chain.
type Caveat struct {
	Enforcer string `json:"enforcer"` // Address of the caveat enforcer contract
	Terms    string `json:"terms"`    // Encoded parameters defining the specific restrictions (hex string)
}

// IsRoot reports whether the delegation's authority is the root marker.
func (d *Delegation) IsRoot() bool {
	return d.Authority == RootAuthority
}
