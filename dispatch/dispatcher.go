package dispatch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/metrics"
	"leadpilot/models"
	"leadpilot/services"
	"leadpilot/storage"
)

type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeDeferred Outcome = "deferred"
	OutcomeSkipped  Outcome = "skipped"
)

const (
	ReasonNotEntitled   = "not_entitled"
	ReasonDisabled      = "automation_disabled"
	ReasonTriggerOff    = "trigger_disabled"
	ReasonLeadContacted = "lead_already_contacted"
	ReasonQuietHours    = "quiet_hours"
	ReasonNoContact     = "no_contact"
	ReasonSendFailed    = "send_failed"
	ReasonDeepLink      = "deep_link"
)

// Result describes what happened to one dispatch attempt.
type Result struct {
	Outcome Outcome
	Channel models.Channel
	Reason  string
	Link    string    // wa.me fallback link, set when Reason is deep_link
	DueAt   time.Time // set when deferred
}

type Dispatcher struct {
	store      storage.Store
	renderer   *Renderer
	generator  *Generator
	senders    map[models.Channel]Sender
	usage      *services.UsageMeter
	defaultLoc *time.Location
	logger     *zap.Logger
	now        func() time.Time
}

// NewDispatcher wires the channel senders. generator may be nil, in which case every
// message is rendered from templates.
func NewDispatcher(
	store storage.Store,
	renderer *Renderer,
	generator *Generator,
	usage *services.UsageMeter,
	defaultLoc *time.Location,
	logger *zap.Logger,
	senders ...Sender,
) *Dispatcher {
	if logger == nil {
		logger = zap.L()
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	d := &Dispatcher{
		store:      store,
		renderer:   renderer,
		generator:  generator,
		senders:    make(map[models.Channel]Sender, len(senders)),
		usage:      usage,
		defaultLoc: defaultLoc,
		logger:     logger,
		now:        time.Now,
	}
	for _, s := range senders {
		d.senders[s.Channel()] = s
	}
	return d
}

// Dispatch sends one trigger message to a lead, or defers/skips it. Store failures are
// returned as errors; every other outcome is reported through Result.
func (d *Dispatcher) Dispatch(ctx context.Context, sess models.Session, lead *models.Lead, trigger models.TriggerType) (Result, error) {
	log := d.logger.With(
		zap.String("customer_id", sess.CustomerID),
		zap.String("lead_id", lead.ID.String()),
		zap.String("trigger", string(trigger)),
	)

	if !sess.Entitlements.AutomatedDispatch {
		log.Info("dispatch: plan does not include automated dispatch", zap.String("plan", string(sess.Plan)))
		return d.skip("", ReasonNotEntitled), nil
	}

	settings, err := d.store.GetSettings(ctx, sess.CustomerID)
	if eris.Is(err, storage.ErrNotFound) {
		settings = models.DefaultSettings(sess.CustomerID)
	} else if err != nil {
		return Result{}, eris.Wrap(err, "dispatch: load settings")
	}

	switch {
	case !settings.Enabled:
		return d.skip("", ReasonDisabled), nil
	case !settings.TriggerEnabled(trigger):
		return d.skip("", ReasonTriggerOff), nil
	case trigger != models.TriggerNewLead && !lead.Status.NeedsContact():
		return d.skip("", ReasonLeadContacted), nil
	}

	now := d.now()
	loc := d.location(settings.Timezone)
	if InQuietHours(now.In(loc).Hour(), settings.QuietStart, settings.QuietEnd) {
		due := NextAllowed(now, loc, settings.QuietEnd).UTC()
		err := d.store.UpsertScheduledDispatch(ctx, &models.ScheduledDispatch{
			CustomerID: sess.CustomerID,
			LeadID:     lead.ID,
			Trigger:    trigger,
			DueAt:      due,
		})
		if err != nil {
			return Result{}, eris.Wrap(err, "dispatch: defer to quiet hours end")
		}
		log.Info("dispatch: deferred for quiet hours", zap.Time("due_at", due))
		metrics.RecordDispatch("", string(OutcomeDeferred))
		return Result{Outcome: OutcomeDeferred, Reason: ReasonQuietHours, DueAt: due}, nil
	}

	channel, ok := selectChannel(lead, settings.PreferredChannel)
	if !ok {
		log.Info("dispatch: lead has no reachable contact")
		return d.skip("", ReasonNoContact), nil
	}

	content, err := d.content(ctx, sess, settings, lead, trigger, channel, log)
	if err != nil {
		return Result{}, err
	}

	to := lead.Phone
	if channel == models.ChannelEmail {
		to = lead.Email
	}

	res := Result{Outcome: OutcomeSent, Channel: channel}
	sendErr := ErrChannelUnconfigured
	if s, ok := d.senders[channel]; ok {
		sendErr = s.Send(ctx, Message{To: to, Subject: content.Subject, Body: content.Body})
	}

	if sendErr != nil {
		if channel != models.ChannelWhatsApp {
			log.Warn("dispatch: send failed", zap.String("channel", string(channel)), zap.Error(sendErr))
			return d.skip(channel, ReasonSendFailed), nil
		}
		log.Info("dispatch: whatsapp delivery unavailable, using deep link", zap.Error(sendErr))
		res.Reason = ReasonDeepLink
		res.Link = DeepLink(lead.Phone, content.Body)
	}

	err = d.store.RecordInteraction(ctx, &models.Interaction{
		CustomerID: sess.CustomerID,
		LeadID:     lead.ID,
		Trigger:    trigger,
		Channel:    channel,
		Content:    content.Body,
		Link:       res.Link,
		CreatedAt:  now.UTC(),
	})
	if err != nil {
		return Result{}, eris.Wrap(err, "dispatch: record interaction")
	}
	if err := d.store.MarkLeadContacted(ctx, lead.ID, now.UTC()); err != nil {
		return Result{}, eris.Wrap(err, "dispatch: mark lead contacted")
	}

	if res.Reason != ReasonDeepLink {
		op := models.UsageWhatsAppSent
		if channel == models.ChannelEmail {
			op = models.UsageEmailSent
		}
		if err := d.usage.Record(ctx, sess.CustomerID, op, 1); err != nil {
			log.Error("dispatch: failed to record usage", zap.Error(err))
		}
	}

	metrics.RecordDispatch(string(channel), string(OutcomeSent))
	log.Info("dispatch: message sent", zap.String("channel", string(channel)), zap.String("reason", res.Reason))
	return res, nil
}

func (d *Dispatcher) skip(channel models.Channel, reason string) Result {
	metrics.RecordDispatch(string(channel), string(OutcomeSkipped))
	return Result{Outcome: OutcomeSkipped, Channel: channel, Reason: reason}
}

func (d *Dispatcher) location(tz string) *time.Location {
	if tz == "" {
		return d.defaultLoc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return d.defaultLoc
	}
	return loc
}

// content prefers the generator for AI-mode customers entitled to it and falls back to templates.
func (d *Dispatcher) content(
	ctx context.Context,
	sess models.Session,
	settings *models.AutomationSettings,
	lead *models.Lead,
	trigger models.TriggerType,
	channel models.Channel,
	log *zap.Logger,
) (Content, error) {
	data := NewMessageData(lead, trigger, channel)

	tmpl, err := d.renderer.Render(trigger, data)
	if err != nil {
		return Content{}, eris.Wrap(err, "dispatch: render template")
	}

	if settings.MessageMode != models.MessageModeAI || !sess.Entitlements.AIMessages || d.generator == nil {
		return tmpl, nil
	}

	gen, err := d.generator.Generate(ctx, sess.CustomerID, data)
	if err != nil {
		log.Warn("dispatch: message generation failed, using template", zap.Error(err))
		return tmpl, nil
	}
	if gen.Subject == "" {
		gen.Subject = tmpl.Subject
	}
	return gen, nil
}

// selectChannel returns the preferred channel when the lead is reachable on it, else the other one.
func selectChannel(lead *models.Lead, preferred models.Channel) (models.Channel, bool) {
	reachable := func(c models.Channel) bool {
		if c == models.ChannelEmail {
			return lead.HasEmail()
		}
		return WhatsAppNumber(lead.Phone) != ""
	}

	order := []models.Channel{models.ChannelWhatsApp, models.ChannelEmail}
	if preferred == models.ChannelEmail {
		order = []models.Channel{models.ChannelEmail, models.ChannelWhatsApp}
	}
	for _, c := range order {
		if reachable(c) {
			return c, true
		}
	}
	return "", false
}
