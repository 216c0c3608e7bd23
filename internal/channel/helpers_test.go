package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/message"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAdapter counts live sessions so tests can detect overlapping loops.
type fakeAdapter struct {
	platform   message.Platform
	scope      Scope
	pairing    bool
	connectErr error
	connectDur time.Duration
	stopDur    time.Duration

	finalizeErr error
	credentials map[string]any

	active    atomic.Int32
	maxActive atomic.Int32
	connects  atomic.Int32
	stops     atomic.Int32

	mu    sync.Mutex
	sent  []string
	accts []accounts.Account
}

func (f *fakeAdapter) Platform() message.Platform { return f.platform }

func (f *fakeAdapter) Descriptor() Descriptor {
	return Descriptor{Platform: f.platform, DisplayName: "Fake", Scope: f.scope, Pairing: f.pairing}
}

func (f *fakeAdapter) Connect(ctx context.Context, key Key, acct accounts.Account, sink Sink) (Connection, error) {
	f.connects.Add(1)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.mu.Lock()
	f.accts = append(f.accts, acct)
	f.mu.Unlock()

	n := f.active.Add(1)
	for {
		prev := f.maxActive.Load()
		if n <= prev || f.maxActive.CompareAndSwap(prev, n) {
			break
		}
	}
	if f.connectDur > 0 {
		time.Sleep(f.connectDur)
	}
	status := StatusConnected
	if f.pairing {
		status = StatusPairing
	}
	conn := &fakeConnection{adapter: f}
	conn.BaseConnection = NewConnection(key, status, func(context.Context) error {
		if f.stopDur > 0 {
			time.Sleep(f.stopDur)
		}
		f.active.Add(-1)
		f.stops.Add(1)
		return nil
	})
	return conn, nil
}

func (f *fakeAdapter) Finalize(ctx context.Context, userID string, input map[string]string) (map[string]any, error) {
	if f.finalizeErr != nil {
		return nil, f.finalizeErr
	}
	if f.credentials != nil {
		return f.credentials, nil
	}
	return map[string]any{"token": input["token"]}, nil
}

func (f *fakeAdapter) lastAccount() accounts.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.accts) == 0 {
		return accounts.Account{}
	}
	return f.accts[len(f.accts)-1]
}

type fakeConnection struct {
	*BaseConnection
	adapter *fakeAdapter
	sendErr error
}

func (c *fakeConnection) Send(ctx context.Context, roomID, content string) (Receipt, error) {
	if c.sendErr != nil {
		return Receipt{}, c.sendErr
	}
	c.adapter.mu.Lock()
	c.adapter.sent = append(c.adapter.sent, roomID+":"+content)
	c.adapter.mu.Unlock()
	return Receipt{MessageID: "m1", Sender: "bot", Timestamp: time.Now()}, nil
}

func (c *fakeConnection) ListContacts(ctx context.Context) (map[string]string, error) {
	return map[string]string{"u1": "User One"}, nil
}

func (c *fakeConnection) QR() (string, string, bool) {
	if c.Status() != StatusPairing {
		return "", "", false
	}
	return "2@qr", "data:image/png;base64,AA==", true
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	outbound    []error
}

func (o *recordingObserver) ConnectionStatusChanged(platform message.Platform, from, to Status) {
	o.mu.Lock()
	o.transitions = append(o.transitions, string(from)+">"+string(to))
	o.mu.Unlock()
}

func (o *recordingObserver) OutboundResult(platform message.Platform, err error) {
	o.mu.Lock()
	o.outbound = append(o.outbound, err)
	o.mu.Unlock()
}

var errBoom = errors.New("boom")
