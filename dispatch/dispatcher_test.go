package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"leadpilot/config"
	"leadpilot/models"
	"leadpilot/services"
	"leadpilot/storage"
)

type fakeSender struct {
	channel models.Channel
	err     error

	mu   sync.Mutex
	sent []Message
}

func (f *fakeSender) Channel() models.Channel { return f.channel }

func (f *fakeSender) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeSender) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

type fixture struct {
	store    *storage.MemoryStore
	settings *models.AutomationSettings
	lead     *models.Lead
	whatsapp *fakeSender
	email    *fakeSender
}

var afternoon = time.Date(2024, 5, 6, 14, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()

	settings := models.DefaultSettings("c1")
	settings.Enabled = true
	settings.Timezone = "UTC"

	lead := sampleLead()
	lead.CustomerID = "c1"
	lead.Fingerprint = "url:abc"
	lead.Email = "maria@example.com"
	lead.Status = models.LeadStatusNew
	created, err := store.InsertLeadIfAbsent(context.Background(), lead)
	require.NoError(t, err)
	require.True(t, created)

	return &fixture{
		store:    store,
		settings: settings,
		lead:     lead,
		whatsapp: &fakeSender{channel: models.ChannelWhatsApp},
		email:    &fakeSender{channel: models.ChannelEmail},
	}
}

func (f *fixture) dispatcher(t *testing.T, gen *Generator, senders ...Sender) *Dispatcher {
	t.Helper()
	require.NoError(t, f.store.SaveSettings(context.Background(), f.settings))

	r, err := NewRenderer("")
	require.NoError(t, err)

	usage := services.NewUsageMeter(f.store, map[models.UsageOperation]float64{
		models.UsageEmailSent:    0.01,
		models.UsageWhatsAppSent: 0.03,
	})
	if len(senders) == 0 {
		senders = []Sender{f.whatsapp, f.email}
	}
	d := NewDispatcher(f.store, r, gen, usage, time.UTC, nil, senders...)
	d.now = func() time.Time { return afternoon }
	return d
}

func (f *fixture) usageOps() []models.UsageOperation {
	var ops []models.UsageOperation
	for _, rec := range f.store.UsageRecords() {
		ops = append(ops, rec.Operation)
	}
	return ops
}

func starter() models.Session {
	return models.Session{CustomerID: "c1", Plan: models.PlanStarter, Entitlements: models.EntitlementsFor(models.PlanStarter)}
}

func pro() models.Session {
	return models.Session{CustomerID: "c1", Plan: models.PlanPro, Entitlements: models.EntitlementsFor(models.PlanPro)}
}

func TestDispatchSendsOnPreferredChannel(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, nil)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, starter(), f.lead, models.TriggerNewLead)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, models.ChannelWhatsApp, res.Channel)
	assert.Empty(t, res.Reason)

	msgs := f.whatsapp.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, f.lead.Phone, msgs[0].To)
	assert.Contains(t, msgs[0].Body, "Olá Maria")
	assert.Empty(t, f.email.messages())

	interactions, err := f.store.ListInteractions(ctx, f.lead.ID)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, models.ChannelWhatsApp, interactions[0].Channel)
	assert.Equal(t, models.TriggerNewLead, interactions[0].Trigger)

	lead, err := f.store.GetLead(ctx, "c1", f.lead.ID)
	require.NoError(t, err)
	require.NotNil(t, lead.LastContactedAt)
	assert.True(t, lead.LastContactedAt.Equal(afternoon))

	assert.Equal(t, []models.UsageOperation{models.UsageWhatsAppSent}, f.usageOps())
}

func TestDispatchNotEntitledIsNoop(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, nil)
	free := models.Session{CustomerID: "c1", Plan: models.PlanFree, Entitlements: models.EntitlementsFor(models.PlanFree)}

	res, err := d.Dispatch(context.Background(), free, f.lead, models.TriggerNewLead)
	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: OutcomeSkipped, Reason: ReasonNotEntitled}, res)
	assert.Empty(t, f.whatsapp.messages())
	assert.Empty(t, f.store.Dispatches(f.lead.ID))
	assert.Empty(t, f.usageOps())
}

func TestDispatchRespectsSettings(t *testing.T) {
	ctx := context.Background()

	t.Run("automation disabled", func(t *testing.T) {
		f := newFixture(t)
		f.settings.Enabled = false
		res, err := f.dispatcher(t, nil).Dispatch(ctx, starter(), f.lead, models.TriggerNewLead)
		require.NoError(t, err)
		assert.Equal(t, ReasonDisabled, res.Reason)
	})

	t.Run("trigger disabled", func(t *testing.T) {
		f := newFixture(t)
		f.settings.Triggers.FollowUp3d = false
		res, err := f.dispatcher(t, nil).Dispatch(ctx, starter(), f.lead, models.TriggerFollowUp3d)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, res.Outcome)
		assert.Equal(t, ReasonTriggerOff, res.Reason)
	})

	t.Run("follow-up after contact", func(t *testing.T) {
		f := newFixture(t)
		f.lead.Status = models.LeadStatusContacted
		res, err := f.dispatcher(t, nil).Dispatch(ctx, starter(), f.lead, models.TriggerFollowUp7d)
		require.NoError(t, err)
		assert.Equal(t, ReasonLeadContacted, res.Reason)
		assert.Empty(t, f.whatsapp.messages())
	})

	t.Run("missing settings use defaults which are disabled", func(t *testing.T) {
		f := newFixture(t)
		r, err := NewRenderer("")
		require.NoError(t, err)
		d := NewDispatcher(f.store, r, nil, services.NewUsageMeter(f.store, nil), time.UTC, nil, f.whatsapp)
		res, err := d.Dispatch(ctx, models.Session{CustomerID: "other", Entitlements: models.EntitlementsFor(models.PlanAgency)}, f.lead, models.TriggerNewLead)
		require.NoError(t, err)
		assert.Equal(t, ReasonDisabled, res.Reason)
	})
}

func TestDispatchDefersDuringQuietHours(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, nil)
	d.now = func() time.Time { return time.Date(2024, 5, 6, 23, 0, 0, 0, time.UTC) }

	res, err := d.Dispatch(context.Background(), starter(), f.lead, models.TriggerNewLead)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, res.Outcome)
	assert.Equal(t, ReasonQuietHours, res.Reason)
	assert.True(t, res.DueAt.Equal(time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC)))
	assert.Empty(t, f.whatsapp.messages())

	pending := f.store.Dispatches(f.lead.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, models.TriggerNewLead, pending[0].Trigger)
	assert.Equal(t, models.DispatchPending, pending[0].Status)
	assert.True(t, pending[0].DueAt.Equal(res.DueAt))

	// deferring again updates the same row
	d.now = func() time.Time { return time.Date(2024, 5, 7, 2, 0, 0, 0, time.UTC) }
	_, err = d.Dispatch(context.Background(), starter(), f.lead, models.TriggerNewLead)
	require.NoError(t, err)
	assert.Len(t, f.store.Dispatches(f.lead.ID), 1)

	// the window end is exclusive
	d.now = func() time.Time { return time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC) }
	res, err = d.Dispatch(context.Background(), starter(), f.lead, models.TriggerNewLead)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
}

func TestDispatchQuietHoursUseCustomerTimezone(t *testing.T) {
	f := newFixture(t)
	f.settings.Timezone = "America/Sao_Paulo"
	d := f.dispatcher(t, nil)
	// 01:00Z is 22:00 in São Paulo
	d.now = func() time.Time { return time.Date(2024, 5, 7, 1, 0, 0, 0, time.UTC) }

	res, err := d.Dispatch(context.Background(), starter(), f.lead, models.TriggerNewLead)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, res.Outcome)
	assert.True(t, res.DueAt.Equal(time.Date(2024, 5, 7, 12, 0, 0, 0, time.UTC)), res.DueAt.String())
}

func TestDispatchFallsBackToOtherChannel(t *testing.T) {
	f := newFixture(t)
	f.lead.Phone = ""
	d := f.dispatcher(t, nil)

	res, err := d.Dispatch(context.Background(), starter(), f.lead, models.TriggerNewLead)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, models.ChannelEmail, res.Channel)

	msgs := f.email.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "maria@example.com", msgs[0].To)
	assert.Equal(t, "Sobre o seu imóvel em Moema, São Paulo", msgs[0].Subject)
	assert.Equal(t, []models.UsageOperation{models.UsageEmailSent}, f.usageOps())
}

func TestDispatchNoReachableContact(t *testing.T) {
	f := newFixture(t)
	f.lead.Phone = "123"
	f.lead.Email = ""
	d := f.dispatcher(t, nil)

	res, err := d.Dispatch(context.Background(), starter(), f.lead, models.TriggerNewLead)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, ReasonNoContact, res.Reason)
}

func TestDispatchWhatsAppFailureUsesDeepLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newFixture(t)
	wa := NewWhatsAppSender(config.WhatsAppConfig{AccessToken: "tok", PhoneID: "123", BaseURL: srv.URL}, srv.Client())
	d := f.dispatcher(t, nil, wa, f.email)

	res, err := d.Dispatch(context.Background(), starter(), f.lead, models.TriggerNewLead)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, ReasonDeepLink, res.Reason)
	assert.True(t, strings.HasPrefix(res.Link, "https://wa.me/5511987654321?text="), res.Link)

	interactions, err := f.store.ListInteractions(context.Background(), f.lead.ID)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, res.Link, interactions[0].Link)

	// the customer still has to press send, so nothing is billed
	assert.Empty(t, f.usageOps())
	assert.Empty(t, f.email.messages())
}

func TestDispatchUnconfiguredWhatsAppUsesDeepLink(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, nil, f.email)

	res, err := d.Dispatch(context.Background(), starter(), f.lead, models.TriggerNewLead)
	require.NoError(t, err)
	assert.Equal(t, ReasonDeepLink, res.Reason)
	assert.NotEmpty(t, res.Link)
}

func TestDispatchEmailFailureSkips(t *testing.T) {
	f := newFixture(t)
	f.settings.PreferredChannel = models.ChannelEmail
	f.email.err = errors.New("smtp: 554 rejected")
	d := f.dispatcher(t, nil)

	res, err := d.Dispatch(context.Background(), starter(), f.lead, models.TriggerNewLead)
	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: OutcomeSkipped, Channel: models.ChannelEmail, Reason: ReasonSendFailed}, res)

	interactions, err := f.store.ListInteractions(context.Background(), f.lead.ID)
	require.NoError(t, err)
	assert.Empty(t, interactions)
	assert.Empty(t, f.usageOps())
}

func TestDispatchAIContent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer gen-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"Oi Maria, vi seu apartamento em Moema e tenho um comprador."}`))
	}))
	defer srv.Close()

	gen := NewGenerator(config.GeneratorConfig{URL: srv.URL, APIKey: "gen-key", Timeout: time.Second}, srv.Client())

	t.Run("entitled ai mode", func(t *testing.T) {
		f := newFixture(t)
		f.settings.MessageMode = models.MessageModeAI
		res, err := f.dispatcher(t, gen).Dispatch(context.Background(), pro(), f.lead, models.TriggerNewLead)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, res.Outcome)

		msgs := f.whatsapp.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "Oi Maria, vi seu apartamento em Moema e tenho um comprador.", msgs[0].Body)
	})

	t.Run("plan without ai uses template", func(t *testing.T) {
		f := newFixture(t)
		f.settings.MessageMode = models.MessageModeAI
		before := calls.Load()
		_, err := f.dispatcher(t, gen).Dispatch(context.Background(), starter(), f.lead, models.TriggerNewLead)
		require.NoError(t, err)
		assert.Equal(t, before, calls.Load())
		msgs := f.whatsapp.messages()
		require.Len(t, msgs, 1)
		assert.Contains(t, msgs[0].Body, "Olá Maria, tudo bem?")
	})
}

func TestDispatchAIFailureFallsBackToTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.settings.MessageMode = models.MessageModeAI
	gen := NewGenerator(config.GeneratorConfig{URL: srv.URL}, srv.Client())

	res, err := f.dispatcher(t, gen).Dispatch(context.Background(), pro(), f.lead, models.TriggerNewLead)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	msgs := f.whatsapp.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Body, "Olá Maria, tudo bem?")
}

func TestWhatsAppSenderRequest(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		gotBody = buf.String()
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	s := NewWhatsAppSender(config.WhatsAppConfig{AccessToken: "tok", PhoneID: "998877", BaseURL: srv.URL + "/"}, srv.Client())
	require.NoError(t, s.Send(context.Background(), Message{To: "(11) 98765-4321", Body: "Olá"}))

	assert.Equal(t, "/998877/messages", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Contains(t, gotBody, `"to":"5511987654321"`)
	assert.Contains(t, gotBody, `"body":"Olá"`)

	unconfigured := NewWhatsAppSender(config.WhatsAppConfig{}, nil)
	assert.ErrorIs(t, unconfigured.Send(context.Background(), Message{To: "11987654321"}), ErrChannelUnconfigured)
}

func TestEmailSenderBuildsMessage(t *testing.T) {
	s := NewEmailSender(config.SMTPConfig{Host: "smtp.example.com", Port: 587, From: "agente@example.com"})

	var got *gomail.Message
	var dialer *gomail.Dialer
	s.dial = func(d *gomail.Dialer, m ...*gomail.Message) error {
		dialer = d
		got = m[0]
		return nil
	}

	err := s.Send(context.Background(), Message{To: "maria@example.com", Subject: "Oi", Body: "linha 1\n\nlinha 2"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "smtp.example.com", dialer.Host)
	assert.Equal(t, 587, dialer.Port)
	assert.Equal(t, []string{"maria@example.com"}, got.GetHeader("To"))
	assert.Equal(t, []string{"Oi"}, got.GetHeader("Subject"))

	unconfigured := NewEmailSender(config.SMTPConfig{})
	assert.ErrorIs(t, unconfigured.Send(context.Background(), Message{}), ErrChannelUnconfigured)
}

func TestTextToHTML(t *testing.T) {
	assert.Equal(t, "<p>a<br>b</p><p>&lt;c&gt;</p>", textToHTML("a\nb\n\n<c>"))
}
