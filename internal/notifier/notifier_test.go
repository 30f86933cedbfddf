package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypass/fleetwatch/internal/config"
	"github.com/skypass/fleetwatch/internal/types"
)

type fakeMailer struct {
	err  error
	cfg  config.SMTPConfig
	sent []Mail
}

func (f *fakeMailer) Send(_ context.Context, cfg config.SMTPConfig, msgs []Mail) error {
	f.cfg = cfg
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msgs...)
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SMTP.Username = "noc@fleet.test"
	cfg.SMTP.Password = "app-pass"
	return cfg
}

func acme() types.TrackedEndpoint {
	return types.TrackedEndpoint{
		ID:         1,
		Name:       "Acme <ISP>",
		VMAddress:  "10.0.0.5",
		Address:    "http://10.0.0.5:3000",
		Limit:      100,
		AlertEmail: "ops@acme.test",
	}
}

func TestNotifySendsTenantAndAdminCopy(t *testing.T) {
	m := &fakeMailer{}
	n := NewNotifier(config.NewHolder(testConfig(), ""), m, zerolog.Nop())

	require.NoError(t, n.Notify(context.Background(), acme(), 120, types.KindExceeded))
	require.Len(t, m.sent, 2)

	assert.Equal(t, "ops@acme.test", m.sent[0].To)
	assert.Contains(t, m.sent[0].Subject, "Device limit exceeded")
	assert.Contains(t, m.sent[0].HTML, "Acme &lt;ISP&gt;")
	assert.Contains(t, m.sent[0].HTML, "Excess: <strong>20 device(s)</strong>")

	assert.Equal(t, "noc@fleet.test", m.sent[1].To)
	assert.True(t, strings.HasPrefix(m.sent[1].Subject, "[ADMIN]"))
	assert.Contains(t, m.sent[1].HTML, "10.0.0.5")
	assert.Contains(t, m.sent[1].HTML, "120.0%")
}

func TestNotifyNearLimitWithoutAdminCopy(t *testing.T) {
	cfg := testConfig()
	cfg.SMTP.AdminCopy = false
	m := &fakeMailer{}
	n := NewNotifier(config.NewHolder(cfg, ""), m, zerolog.Nop())

	require.NoError(t, n.Notify(context.Background(), acme(), 85, types.KindNearLimit))
	require.Len(t, m.sent, 1)
	assert.Contains(t, m.sent[0].Subject, "Approaching device limit")
	assert.NotContains(t, m.sent[0].HTML, "Excess")
}

func TestNotifyReadsCurrentSnapshot(t *testing.T) {
	h := config.NewHolder(testConfig(), "")
	m := &fakeMailer{}
	n := NewNotifier(h, m, zerolog.Nop())

	next := testConfig()
	next.SMTP.Username = "other@fleet.test"
	h.Set(next)

	require.NoError(t, n.Notify(context.Background(), acme(), 120, types.KindExceeded))
	assert.Equal(t, "other@fleet.test", m.cfg.Username)
}

func TestNotifyErrors(t *testing.T) {
	m := &fakeMailer{err: errors.New("535 auth failed")}
	n := NewNotifier(config.NewHolder(testConfig(), ""), m, zerolog.Nop())
	err := n.Notify(context.Background(), acme(), 120, types.KindExceeded)
	assert.ErrorIs(t, err, m.err)

	ep := acme()
	ep.AlertEmail = ""
	assert.Error(t, n.Notify(context.Background(), ep, 120, types.KindExceeded))
}

func TestNotifyAppriseBestEffort(t *testing.T) {
	var got map[string]string
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notify/", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Apprise = config.AppriseConfig{APIURL: srv.URL, ServiceURLEnv: "X", ServiceURL: "tgram://bot/chat"}
	m := &fakeMailer{}
	n := NewNotifier(config.NewHolder(cfg, ""), m, zerolog.Nop())

	require.NoError(t, n.Notify(context.Background(), acme(), 120, types.KindExceeded))
	assert.Equal(t, "tgram://bot/chat", got["urls"])
	assert.Contains(t, got["body"], "120/100")

	status.Store(http.StatusInternalServerError)
	assert.NoError(t, n.Notify(context.Background(), acme(), 120, types.KindExceeded))
}

func TestAppriseSenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad url", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewAppriseSender().Send(context.Background(), config.AppriseConfig{APIURL: srv.URL + "/", ServiceURL: "x://"}, "t", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestCompose(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, err := compose("noc@fleet.test", Mail{To: "ops@acme.test", Subject: "⚠️ Near", HTML: "<p>héllo</p>"}, "smtp.test", now)
	require.NoError(t, err)

	msg := string(raw)
	assert.Contains(t, msg, "To: ops@acme.test\r\n")
	assert.Contains(t, msg, "Subject: =?UTF-8?q?")
	assert.Contains(t, msg, "Content-Type: text/html; charset=UTF-8")
	assert.Contains(t, msg, "h=C3=A9llo")
}

func TestRecipients(t *testing.T) {
	got, err := recipients("a@x.test, B <b@x.test>")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.test", "b@x.test"}, got)

	_, err = recipients(" , ")
	assert.Error(t, err)
}

func TestSMTPMailerRequiresConfig(t *testing.T) {
	err := SMTPMailer{}.Send(context.Background(), config.SMTPConfig{}, []Mail{{To: "a@x.test"}})
	assert.Error(t, err)
}
