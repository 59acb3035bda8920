package discovery

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/miguelrdp/iron/pkg/log"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ProviderInfo identifies one wallet on the page. It never changes after creation.
type ProviderInfo struct {
	UUID string `json:"uuid" validate:"required,uuid4"`
	Name string `json:"name" validate:"required"`
	Icon string `json:"icon" validate:"required,datauri"`
	RDNS string `json:"rdns" validate:"required,fqdn"`
}

// NewProviderInfo assigns a fresh uuid; call it once per page load.
func NewProviderInfo(name, icon, rdns string) ProviderInfo {
	return ProviderInfo{UUID: uuid.NewString(), Name: name, Icon: icon, RDNS: rdns}
}

// Validate checks the uuid, the data uri icon and the reverse dns name.
func (i ProviderInfo) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("invalid provider info: %w", err)
	}
	return nil
}

// ProviderDetail is the detail of an announce event.
type ProviderDetail struct {
	Info     ProviderInfo `json:"info"`
	Provider any          `json:"-"`
}

// LegacySlot is the window.ethereum style singleton.
type LegacySlot interface {
	ClaimLegacy(uuid string) bool
}

type AnnouncerConfig struct {
	Logger log.Logger
	// Legacy, when set, is claimed for this wallet after the first announcement.
	Legacy LegacySlot
}

type Announcer struct {
	target EventTarget
	detail ProviderDetail
	cfg    AnnouncerConfig
	lg     log.Logger

	mu            sync.Mutex
	stop          func()
	announcements atomic.Uint64
}

// NewAnnouncer validates detail; nothing is dispatched until Start.
func NewAnnouncer(target EventTarget, detail ProviderDetail, cfg AnnouncerConfig) (*Announcer, error) {
	if target == nil {
		return nil, fmt.Errorf("event target cannot be nil")
	}
	if detail.Provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	if err := detail.Info.Validate(); err != nil {
		return nil, err
	}

	return &Announcer{
		target: target,
		detail: detail,
		cfg:    cfg,
		lg:     log.OrNoop(cfg.Logger).WithName("announcer").WithKV("uuid", detail.Info.UUID),
	}, nil
}

// Start announces once and then again for every request-provider event.
// Calling Start twice has no effect.
func (a *Announcer) Start() {
	a.mu.Lock()
	if a.stop != nil {
		a.mu.Unlock()
		return
	}
	a.stop = a.target.Listen(EventRequestProvider, func(Event) { a.announce() })
	a.mu.Unlock()

	a.announce()
	if a.cfg.Legacy != nil && !a.cfg.Legacy.ClaimLegacy(a.detail.Info.UUID) {
		a.lg.Info("legacy provider slot already claimed by another wallet")
	}
}

// Stop ignores further request-provider events.
func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		a.stop()
		a.stop = nil
	}
}

// Announcements reports how many announce events were dispatched.
func (a *Announcer) Announcements() uint64 {
	return a.announcements.Load()
}

func (a *Announcer) announce() {
	a.announcements.Add(1)
	a.target.Dispatch(Event{Type: EventAnnounceProvider, Detail: a.detail})
	a.lg.Debug("provider announced")
}
