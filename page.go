package main

import (
	"context"
	"fmt"
	"time"

	"github.com/miguelrdp/iron/pkg/discovery"
	"github.com/miguelrdp/iron/pkg/log"
	"github.com/miguelrdp/iron/pkg/mux"
	"github.com/miguelrdp/iron/pkg/provider"
)

const (
	walletName = "Iron"
	walletIcon = "data:image/svg+xml;base64,PHN2Zy8+"
	walletRDNS = "org.iron.wallet"

	pageStreamName = "provider"
)

type PageConfig struct {
	Logger         log.Logger
	RequestTimeout time.Duration
}

// Page is the client half of the bridge as a web page sees it: the injected
// provider talks over an in-memory channel to a content relay, which forwards
// every stream to the host over a websocket. The provider is announced on the
// page window and claims the legacy slot.
type Page struct {
	channel  *mux.Mux
	content  *mux.Mux
	upstream *mux.Mux

	window    *discovery.Window
	registry  *discovery.Registry
	announcer *discovery.Announcer
}

// OpenPage connects a page to the host listening at hostURL.
func OpenPage(ctx context.Context, hostURL string, cfg PageConfig) (*Page, error) {
	lg := log.OrNoop(cfg.Logger).WithName("page")

	wsPort, err := mux.DialWebsocket(ctx, hostURL, nil)
	if err != nil {
		return nil, err
	}
	upstream := mux.New(ctx, wsPort, mux.Config{Logger: lg})

	pagePort, contentPort := mux.NewPipe()
	channel := mux.New(ctx, pagePort, mux.Config{Logger: lg})
	content := mux.New(ctx, contentPort, mux.Config{Logger: lg, AcceptRemote: true})
	go func() {
		if err := mux.Relay(ctx, content, upstream); err != nil {
			lg.Debug("content relay stopped", "error", err)
		}
	}()

	pg := &Page{channel: channel, content: content, upstream: upstream}

	stream, err := channel.Open(pageStreamName)
	if err != nil {
		_ = pg.Close()
		return nil, err
	}
	p := provider.New(stream, provider.Config{Logger: lg, RequestTimeout: cfg.RequestTimeout})

	pg.window = discovery.NewWindow(lg)
	pg.registry = discovery.NewRegistry(pg.window, lg)
	detail := discovery.ProviderDetail{
		Info:     discovery.NewProviderInfo(walletName, walletIcon, walletRDNS),
		Provider: p,
	}
	pg.announcer, err = discovery.NewAnnouncer(pg.window, detail, discovery.AnnouncerConfig{
		Logger: lg,
		Legacy: pg.registry,
	})
	if err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("failed to create announcer: %w", err)
	}
	pg.announcer.Start()
	pg.registry.RequestProviders()

	return pg, nil
}

// Provider returns the provider holding the legacy slot, or nil before one claimed it.
func (pg *Page) Provider() *provider.Provider {
	detail, ok := pg.registry.Legacy()
	if !ok {
		return nil
	}
	p, _ := detail.Provider.(*provider.Provider)
	return p
}

// Registry lists every wallet announced on the page.
func (pg *Page) Registry() *discovery.Registry {
	return pg.registry
}

// Close tears the page down; the host sees the session end.
func (pg *Page) Close() error {
	if pg.announcer != nil {
		pg.announcer.Stop()
	}
	if pg.registry != nil {
		pg.registry.Close()
	}
	err := pg.channel.Close()
	_ = pg.content.Close()
	_ = pg.upstream.Close()
	return err
}
