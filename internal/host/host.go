// Package host models the native host the plugin is embedded in: the
// context that can launch the scanner, its lifecycle reports, and the
// results it delivers back.
package host

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/docbridge/internal/engine"
	"github.com/mattjoyce/docbridge/internal/scan"
)

//go:generate mockgen -destination=../dispatch/mocks/mock_launcher.go -package=mocks github.com/mattjoyce/docbridge/internal/host Launcher

var (
	ErrNoContext           = errors.New("no host context attached")
	ErrLauncherUnavailable = errors.New("host context is not accepting launches")
)

// Context is a host context able to present the scanner UI.
type Context struct {
	ID         string    `json:"id"`
	AttachedAt time.Time `json:"attached_at"`
}

// ResultListener receives activity results from the host. Each method
// reports whether the token belonged to the listener.
type ResultListener interface {
	OnResult(token scan.Token, outcome scan.Outcome) bool
	OnMalformedResult(token scan.Token, err error) bool
}

// LifecycleObserver receives host context lifecycle callbacks.
type LifecycleObserver interface {
	OnAttached(c Context) error
	OnDetachedForConfigChanges() error
	OnReattached(c Context) error
	OnDetached() error
}

// Launcher starts the scanner UI for an action, tagged with token.
type Launcher interface {
	Launch(ctx context.Context, token scan.Token, action engine.Action) error
}

// Container is what an attached context exposes to the plugin.
type Container interface {
	Launcher
	AddResultListener(l ResultListener)
	RemoveResultListener(l ResultListener)
}

// LaunchRequest is sent to the host to start the scanner.
type LaunchRequest struct {
	Token     scan.Token    `json:"token"`
	Action    engine.Action `json:"action"`
	ContextID string        `json:"context_id"`
	At        time.Time     `json:"at"`
}
