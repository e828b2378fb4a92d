package calc

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/xxh3"
)

// PolicyIDs names the baseline policy and an optional reform.
type PolicyIDs struct {
	Baseline string `json:"baseline" validate:"required"`
	Reform   string `json:"reform,omitempty"`
}

// Effective returns the policy a single-policy calculation runs against:
// the reform when present, otherwise the baseline.
func (p PolicyIDs) Effective() string {
	if p.Reform != "" {
		return p.Reform
	}
	return p.Baseline
}

// Params is the request descriptor of one calculation. It is built by a
// handler from domain objects and never mutated by the orchestrator.
type Params struct {
	CountryID      string    `json:"country_id" validate:"required,min=2,max=8"`
	PolicyIDs      PolicyIDs `json:"policy_ids"`
	PopulationID   string    `json:"population_id" validate:"required"`
	PopulationType string    `json:"population_type,omitempty" validate:"omitempty,oneof=household geography"`
	Region         string    `json:"region,omitempty"`
}

// Key is a stable content hash of the descriptor. Two descriptors asking
// for the same computation produce the same Key.
type Key [16]byte

// Hex returns the lowercase hex encoding of the key.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return k.Hex()
}

// Key computes the xxh3-128 hash of the canonical JSON form of p.
func (p Params) Key(calcType CalcType) Key {
	canonical, err := json.Marshal(struct {
		Type   CalcType `json:"type"`
		Params Params   `json:"params"`
	}{calcType, p})
	if err != nil {
		// Params contains only strings; Marshal cannot fail.
		panic("calc: marshal params: " + err.Error())
	}
	h128 := xxh3.Hash128(canonical)
	var k Key
	binary.LittleEndian.PutUint64(k[:8], h128.Lo)
	binary.LittleEndian.PutUint64(k[8:], h128.Hi)
	return k
}
