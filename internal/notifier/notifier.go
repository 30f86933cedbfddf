// Package notifier delivers capacity alerts by email, with an optional
// Apprise fan-out for chat channels.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/skypass/fleetwatch/internal/config"
	"github.com/skypass/fleetwatch/internal/types"
)

// Notifier implements alerter.Notifier. Each send reads one configuration
// snapshot, so credential changes apply on reload without a restart.
type Notifier struct {
	cfg     *config.Holder
	mailer  Mailer
	apprise *AppriseSender
	logger  zerolog.Logger
	now     func() time.Time
}

// NewNotifier creates a notifier that sends mail through mailer.
func NewNotifier(cfg *config.Holder, mailer Mailer, logger zerolog.Logger) *Notifier {
	return &Notifier{
		cfg:     cfg,
		mailer:  mailer,
		apprise: NewAppriseSender(),
		logger:  logger.With().Str("component", "notifier").Logger(),
		now:     time.Now,
	}
}

// Notify emails the tenant (plus the admin copy when enabled). A failed email
// is an error; Apprise is best effort and only logged.
func (n *Notifier) Notify(ctx context.Context, ep types.TrackedEndpoint, count int, kind types.AlertKind) error {
	if !ep.HasDestination() {
		return fmt.Errorf("endpoint %s has no alert email", ep.Name)
	}
	snap := n.cfg.Current()
	data := newAlertData(ep, count, kind, n.now())

	tenant, err := RenderTenant(data)
	if err != nil {
		return err
	}
	msgs := []Mail{{To: ep.AlertEmail, Subject: tenant.Subject, HTML: tenant.HTML}}
	if snap.SMTP.AdminCopy {
		admin, err := RenderAdmin(data)
		if err != nil {
			return err
		}
		msgs = append(msgs, Mail{To: snap.SMTP.AdminRecipient(), Subject: admin.Subject, HTML: admin.HTML})
	}

	if err := n.mailer.Send(ctx, snap.SMTP, msgs); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	n.logger.Info().
		Str("endpoint", ep.Name).
		Str("to", ep.AlertEmail).
		Str("kind", string(kind)).
		Int("messages", len(msgs)).
		Msg("Alert email sent")

	if snap.Apprise.Enabled() {
		title, body := appriseText(data)
		if err := n.apprise.Send(ctx, snap.Apprise, title, body); err != nil {
			n.logger.Error().Err(err).Str("endpoint", ep.Name).Msg("Failed to send Apprise notification")
		} else {
			n.logger.Info().Str("endpoint", ep.Name).Msg("Apprise notification sent")
		}
	}
	return nil
}
