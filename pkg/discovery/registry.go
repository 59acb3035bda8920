package discovery

import (
	"sync"

	"github.com/miguelrdp/iron/pkg/log"
)

var _ LegacySlot = (*Registry)(nil)

// Registry is the page side view of every announced wallet, keyed by uuid.
type Registry struct {
	target EventTarget
	lg     log.Logger
	stop   func()

	mu        sync.RWMutex
	providers map[string]ProviderDetail
	order     []string
	legacy    string
}

// NewRegistry starts recording announcements dispatched on target.
func NewRegistry(target EventTarget, lg log.Logger) *Registry {
	r := &Registry{
		target:    target,
		lg:        log.OrNoop(lg).WithName("provider-registry"),
		providers: make(map[string]ProviderDetail),
	}
	r.stop = target.Listen(EventAnnounceProvider, r.onAnnounce)
	return r
}

func (r *Registry) onAnnounce(ev Event) {
	detail, ok := ev.Detail.(ProviderDetail)
	if !ok {
		r.lg.Warn("ignoring announcement with unexpected detail")
		return
	}
	if err := detail.Info.Validate(); err != nil {
		r.lg.Warn("ignoring invalid announcement", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[detail.Info.UUID]; ok {
		return
	}
	r.providers[detail.Info.UUID] = detail
	r.order = append(r.order, detail.Info.UUID)
	r.lg.Info("provider discovered", "uuid", detail.Info.UUID, "name", detail.Info.Name, "rdns", detail.Info.RDNS)
}

// RequestProviders asks every wallet on the page to announce itself.
func (r *Registry) RequestProviders() {
	r.target.Dispatch(Event{Type: EventRequestProvider})
}

// Providers returns the wallets in discovery order.
func (r *Registry) Providers() []ProviderDetail {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderDetail, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// Get looks a wallet up by its uuid.
func (r *Registry) Get(uuid string) (ProviderDetail, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.providers[uuid]
	return d, ok
}

// ClaimLegacy assigns the singleton slot to uuid unless another wallet holds it.
// The uuid must have been announced.
func (r *Registry) ClaimLegacy(uuid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[uuid]; !ok {
		return false
	}
	if r.legacy == "" {
		r.legacy = uuid
	}
	return r.legacy == uuid
}

// Legacy returns the wallet holding the singleton slot.
func (r *Registry) Legacy() (ProviderDetail, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.legacy == "" {
		return ProviderDetail{}, false
	}
	return r.providers[r.legacy], true
}

// Close stops listening for announcements. Recorded wallets stay readable.
func (r *Registry) Close() {
	r.stop()
}
