package runtime

import (
	"sync"

	"github.com/aixgo-dev/freezetag/agents"
)

// Issuer hands out evader identities from a counter that only moves
// forward, so no identity is issued twice for the lifetime of the Issuer.
type Issuer struct {
	mu     sync.Mutex
	issued int
}

// NewIssuer returns an Issuer whose first name is evader_0.
func NewIssuer() *Issuer {
	return &Issuer{}
}

// Next returns a fresh evader identity.
func (i *Issuer) Next() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	name := agents.EvaderName(i.issued)
	i.issued++
	return name
}

// Issued returns how many identities have been handed out.
func (i *Issuer) Issued() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.issued
}
