// Package anchor exports signed chain digests to external object
// storage. A digest pins the tail hash and length of the proof chain
// at a point in time, so later tampering with the local database is
// detectable against an out-of-band copy.
package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vorion-labs/cognigate/pkg/proofchain"
)

// The tail hash collapses the whole chain into one value, so a digest
// does not need to carry individual records.
type Digest struct {
	AnchoredAt  time.Time `json:"anchored_at"`
	ChainLength uint64    `json:"chain_length"`
	TailHash    string    `json:"tail_hash"`
	Source      string    `json:"source"`
}

// Sink persists one digest to external storage.
type Sink interface {
	Put(ctx context.Context, d *Digest) error
	Name() string
}

// Anchorer snapshots the chain tail on an interval and fans the digest
// out to every configured sink.
type Anchorer struct {
	chain    *proofchain.Chain
	sinks    []Sink
	source   string
	interval time.Duration
	logger   *slog.Logger
	clock    func() time.Time
}

func New(chain *proofchain.Chain, source string, interval time.Duration, sinks []Sink, logger *slog.Logger) *Anchorer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Anchorer{
		chain:    chain,
		sinks:    sinks,
		source:   source,
		interval: interval,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (a *Anchorer) WithClock(clock func() time.Time) *Anchorer {
	a.clock = clock
	return a
}

// AnchorOnce snapshots the current tail and writes it to all sinks.
// A sink failure does not stop the others; the first error is returned
// after every sink has been attempted.
func (a *Anchorer) AnchorOnce(ctx context.Context) (*Digest, error) {
	tip, err := a.chain.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain tip: %w", err)
	}
	d := &Digest{
		AnchoredAt:  a.clock().UTC(),
		ChainLength: tip.ChainLength,
		TailHash:    tip.LastHash,
		Source:      a.source,
	}

	var firstErr error
	for _, sink := range a.sinks {
		if err := sink.Put(ctx, d); err != nil {
			a.logger.Error("anchor sink failed",
				"sink", sink.Name(),
				"chain_length", d.ChainLength,
				"error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("sink %s: %w", sink.Name(), err)
			}
			continue
		}
		a.logger.Info("chain digest anchored",
			"sink", sink.Name(),
			"chain_length", d.ChainLength,
			"tail_hash", d.TailHash)
	}
	return d, firstErr
}

// Run anchors on the configured interval until the context is
// cancelled. Errors are logged, not fatal.
func (a *Anchorer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.AnchorOnce(ctx); err != nil {
				a.logger.Error("periodic anchor failed", "error", err)
			}
		}
	}
}

// objectKey names a digest object inside a sink. Keys sort
// lexicographically by time so listing a bucket reads as a timeline.
func objectKey(prefix string, d *Digest) string {
	return fmt.Sprintf("%s%s-len%d.json",
		prefix, d.AnchoredAt.Format("20060102T150405Z"), d.ChainLength)
}

func marshalDigest(d *Digest) ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal digest: %w", err)
	}
	return data, nil
}
