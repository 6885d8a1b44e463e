package config

import (
	"sync/atomic"
	"time"
)

// Dynamic exposes the hot-updatable bridge settings. The dispatcher and the
// HTTP middleware read through it on every use, so an Update is observed by
// the next operation without a restart.
type Dynamic struct {
	current atomic.Pointer[BridgeConfig]
}

// NewDynamic seeds a Dynamic with the initial bridge settings.
func NewDynamic(initial BridgeConfig) *Dynamic {
	d := &Dynamic{}
	d.current.Store(&initial)
	return d
}

// Update replaces the live settings.
func (d *Dynamic) Update(cfg BridgeConfig) {
	d.current.Store(&cfg)
}

// Bridge returns the live settings snapshot.
func (d *Dynamic) Bridge() BridgeConfig {
	return *d.current.Load()
}

// AccessKey returns the live access key; empty disables gating.
func (d *Dynamic) AccessKey() string { return d.current.Load().AccessKey }

// ResponseTimeout returns the live correlation timeout.
func (d *Dynamic) ResponseTimeout() time.Duration { return d.current.Load().ResponseTimeout }

// IgnoreResponse reports whether sends are fire-and-forget.
func (d *Dynamic) IgnoreResponse() bool { return d.current.Load().IgnoreResponse }
