// Package engine prepares the scanner launch for a set of options.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/docbridge/internal/scan"
)

//go:generate mockgen -destination=../dispatch/mocks/mock_engine.go -package=mocks github.com/mattjoyce/docbridge/internal/engine Engine

// ErrUnavailable is returned when the scanning engine cannot be used.
var ErrUnavailable = errors.New("scanning engine unavailable")

// Action is an opaque launchable scanner invocation.
type Action struct {
	ID        string       `json:"id"`
	Options   scan.Options `json:"options"`
	CreatedAt time.Time    `json:"created_at"`
}

// Engine turns scanner options into a launchable action.
type Engine interface {
	Prepare(ctx context.Context, opts scan.Options) (Action, error)
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, opts scan.Options) (Action, error)

func (f Func) Prepare(ctx context.Context, opts scan.Options) (Action, error) {
	return f(ctx, opts)
}

// Settings describe the engine exposed by the host device.
type Settings struct {
	Available         bool
	UnavailableReason string
	MaxPageLimit      int
}

// Descriptor is the Engine used in production. It validates options
// against what the host declared and mints an action id.
type Descriptor struct {
	settings Settings
}

func NewDescriptor(s Settings) *Descriptor {
	return &Descriptor{settings: s}
}

func (d *Descriptor) Prepare(ctx context.Context, opts scan.Options) (Action, error) {
	if err := ctx.Err(); err != nil {
		return Action{}, err
	}
	if !d.settings.Available {
		reason := d.settings.UnavailableReason
		if reason == "" {
			reason = "no scanner module installed"
		}
		return Action{}, fmt.Errorf("%w: %s", ErrUnavailable, reason)
	}
	if d.settings.MaxPageLimit > 0 && opts.PageLimit > d.settings.MaxPageLimit {
		return Action{}, fmt.Errorf("page limit %d exceeds engine maximum %d", opts.PageLimit, d.settings.MaxPageLimit)
	}
	if len(opts.ResultFormats) == 0 {
		return Action{}, errors.New("no result formats requested")
	}

	return Action{
		ID:        uuid.NewString(),
		Options:   opts,
		CreatedAt: time.Now(),
	}, nil
}
