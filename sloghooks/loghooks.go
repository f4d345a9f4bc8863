package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/statecache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery uint64
	ReloadEvery   uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	reloadCtr   atomic.Uint64
}

var _ statecache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("statecache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) StoreSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("statecache.store_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) DepSnapshotError(count int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("statecache.dep_snapshot_error",
		"count", count,
		"err", err)
}

func (h *Hooks) DepTouchError(depKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("statecache.dep_touch_error",
		"dep", h.redact(depKey),
		"err", err)
}

func (h *Hooks) FetchFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("statecache.fetch_failed",
		"key", h.redact(key),
		"err", err)
}

// StateReloaded logs every full load; delta loads are sampled by ReloadEvery.
func (h *Hooks) StateReloaded(key, kind string, items int) {
	if h.l == nil {
		return
	}
	if kind != "full" && !sample(h.opts.ReloadEvery, &h.reloadCtr) {
		return
	}
	h.l.Info("statecache.state_reloaded",
		"key", key,
		"kind", kind,
		"items", items)
}
