package wallet

import (
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/miguelrdp/iron/pkg/sign"
)

// Accounts exposes the address of the current signer. Without a signer the wallet
// is locked and reports no accounts.
type Accounts struct {
	mu        sync.RWMutex
	signer    sign.Signer
	listeners []func([]common.Address)
}

func NewAccounts(signer sign.Signer) *Accounts {
	return &Accounts{signer: signer}
}

// Addresses is never nil.
func (a *Accounts) Addresses() []common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return addressesOf(a.signer)
}

func (a *Accounts) Signer() (sign.Signer, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.signer, a.signer != nil
}

// SetSigner replaces the signer; nil locks the wallet. Listeners run only when the
// exposed addresses change.
func (a *Accounts) SetSigner(signer sign.Signer) {
	a.mu.Lock()
	before := addressesOf(a.signer)
	a.signer = signer
	after := addressesOf(signer)
	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()

	if slices.Equal(before, after) {
		return
	}
	for _, fn := range listeners {
		fn(after)
	}
}

// OnChange registers fn to run whenever the exposed accounts change.
func (a *Accounts) OnChange(fn func([]common.Address)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func addressesOf(signer sign.Signer) []common.Address {
	if signer == nil {
		return []common.Address{}
	}
	return []common.Address{signer.Address()}
}
