package mux

import (
	"context"
)

// Relay pairs every stream the peer opens on from with an identically named stream
// on to and copies payloads both ways. When either mux shuts down the other is
// closed too. Relay returns once from stops accepting.
func Relay(ctx context.Context, from, to *Mux) error {
	go func() {
		select {
		case <-from.Done():
			to.Close()
		case <-to.Done():
			from.Close()
		}
	}()

	for {
		in, err := from.Accept(ctx)
		if err != nil {
			return err
		}

		out, err := to.Open(in.Name())
		if err != nil {
			from.lg.Warn("failed to open relayed stream", "stream", in.Name(), "error", err)
			// Unread payloads would block the reader of from for every other stream.
			go discard(in)
			continue
		}

		from.lg.Debug("relaying stream", "stream", in.Name())
		go pump(ctx, from, in, out)
		go pump(ctx, to, out, in)
	}
}

func pump(ctx context.Context, owner *Mux, src, dst *Stream) {
	for payload := range src.Messages() {
		if err := dst.Send(ctx, payload); err != nil {
			owner.lg.Warn("dropping relayed payload", "stream", src.Name(), "error", err)
		}
	}
}

func discard(s *Stream) {
	for range s.Messages() {
	}
}
