// Package dispatch implements the multi-device fan-out algorithm: one
// logical message becomes per-device ciphertexts, missing sessions are
// established from fetched pre-keys, and delivery is retried exactly once.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/helium-bots/helium/internal/cryptobox"
	"github.com/helium-bots/helium/internal/device"
	"github.com/helium-bots/helium/internal/observability"
)

// Transport is the slice of the service client the dispatcher needs.
type Transport interface {
	SendEnvelope(ctx context.Context, env *device.Envelope, ignoreMissing bool) (device.Set, error)
	FetchPreKeys(ctx context.Context, devices device.Set) (device.PreKeyBundle, error)
}

// Dispatcher delivers opaque payloads to every device of the bot's
// conversation. It caches the conversation's device set between sends and
// re-resolves it after any session establishment changed local coverage.
//
// A dispatcher is owned by one registry entry; the registry serializes
// calls per bot.
type Dispatcher struct {
	box       cryptobox.Cryptobox
	transport Transport
	sender    string // the bot's own client id
	metrics   *observability.Metrics
	log       *slog.Logger

	known device.Set // cached conversation devices, nil when stale
}

// New creates a dispatcher sending as the given client id.
func New(box cryptobox.Cryptobox, transport Transport, sender string, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		box:       box,
		transport: transport,
		sender:    sender,
		metrics:   metrics,
		log:       slog.Default().With("component", "dispatch", "client", sender),
	}
}

// Send delivers the serialized payload to every device in the
// conversation. Partial delivery after the bounded retry is logged, not an
// error; transport and session failures abort the call.
func (d *Dispatcher) Send(ctx context.Context, payload []byte) error {
	op, ctx := observability.StartOperation(ctx, d.metrics, "dispatch.send")
	var err error
	defer func() { op.End(err) }()

	var targets device.Set
	targets, err = d.targets(ctx)
	if err != nil {
		return err
	}

	// Pass 1: devices we already share a session with.
	var bundle device.CipherBundle
	bundle, err = d.box.EncryptForSessions(ctx, targets, payload)
	if err != nil {
		return err
	}

	env := device.NewEnvelope(d.sender)
	env.Append(bundle)

	var missing device.Set
	missing, err = d.transport.SendEnvelope(ctx, env, false)
	if err != nil {
		return err
	}

	attempts := 1
	if !missing.IsEmpty() {
		// Pass 2: establish sessions for the reported devices from fresh
		// pre-keys and resend, accepting partial delivery. New sessions
		// changed local device coverage, so the cached target set must be
		// recomputed on the next send.
		if err = d.resolveAndResend(ctx, env, missing, payload); err != nil {
			return err
		}
		attempts = 2
	}

	if d.metrics != nil {
		d.metrics.MessagesSent.Inc()
		d.metrics.SendAttempts.WithLabelValues("ok").Observe(float64(attempts))
	}
	return nil
}

func (d *Dispatcher) resolveAndResend(ctx context.Context, env *device.Envelope, missing device.Set, payload []byte) error {
	preKeys, err := d.transport.FetchPreKeys(ctx, missing)
	if err != nil {
		return err
	}

	bundle, err := d.box.EncryptWithPreKeys(ctx, preKeys, payload)
	if err != nil {
		return err
	}
	env.Append(bundle)
	d.known = nil

	still, err := d.transport.SendEnvelope(ctx, env, true)
	if err != nil {
		return err
	}
	if !still.IsEmpty() {
		// Bounded retry exhausted. Those devices did not get the message;
		// the send still counts as delivered.
		d.log.WarnContext(ctx, "message not delivered to all devices",
			"unreached", still.Size(), "users", still.Users())
		if d.metrics != nil {
			d.metrics.DeliveryGaps.Inc()
		}
	}
	return nil
}

// targets returns the cached conversation device set, resolving it with a
// bootstrap send when unset. An empty envelope reaches no device, so the
// service's missing-device report enumerates the full conversation.
func (d *Dispatcher) targets(ctx context.Context) (device.Set, error) {
	if d.known != nil && !d.known.IsEmpty() {
		return d.known, nil
	}

	probe := device.NewEnvelope(d.sender)
	all, err := d.transport.SendEnvelope(ctx, probe, false)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation devices: %w", err)
	}
	d.known = all
	d.log.DebugContext(ctx, "resolved conversation devices", "devices", all.Size())
	return d.known, nil
}

// InvalidateTargets drops the cached device set, forcing the next send to
// re-resolve it.
func (d *Dispatcher) InvalidateTargets() {
	d.known = nil
}
