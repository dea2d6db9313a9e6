package notifier

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Piau3425/IoTProject/internal/models"
	"github.com/Piau3425/IoTProject/internal/store"
)

func setupSocial(t *testing.T) (*SocialManager, *CredentialStore, *store.DailyViolationStore) {
	t.Helper()
	dir := t.TempDir()
	creds := NewCredentialStore(filepath.Join(dir, "credentials.json"), zap.NewNop())
	daily := store.NewDailyViolationStore(dir, zap.NewNop())
	m := NewSocialManager(creds, daily, "", zap.NewNop())
	return m, creds, daily
}

func TestLoginStatus(t *testing.T) {
	m, creds, _ := setupSocial(t)

	status := m.LoginStatus()
	assert.Equal(t, map[string]bool{
		"discord": false,
		"threads": false,
		"gmail":   false,
	}, status)

	creds.UpdateDiscord("https://discord.example/webhook")
	creds.UpdateGmail("user@gmail.com", "pw")

	status = m.LoginStatus()
	assert.True(t, status["discord"])
	assert.True(t, status["gmail"])
	assert.False(t, status["threads"])
}

func TestComposeMessage(t *testing.T) {
	m, _, daily := setupSocial(t)
	daily.Increment()
	daily.Increment()

	settings := models.DefaultPenaltySettings()
	settings.CustomMessages["discord"] = "I failed."
	settings.IncludeTimestamp = false
	settings.IncludeViolationCount = true

	msg := m.composeMessage(settings, models.PlatformDiscord)
	assert.True(t, strings.HasPrefix(msg, "I failed."))
	assert.Contains(t, msg, "#2")
	assert.NotContains(t, msg, "违规时间")
}

func TestComposeMessageTimestampSuffix(t *testing.T) {
	m, _, _ := setupSocial(t)

	settings := models.DefaultPenaltySettings()
	settings.IncludeTimestamp = true
	settings.IncludeViolationCount = false

	msg := m.composeMessage(settings, models.PlatformThreads)
	assert.Contains(t, msg, "违规时间")
}

func TestComposeMessageFallbackWhenUnset(t *testing.T) {
	m, _, _ := setupSocial(t)

	settings := models.DefaultPenaltySettings()
	settings.CustomMessages = map[string]string{}
	settings.IncludeTimestamp = false
	settings.IncludeViolationCount = false

	msg := m.composeMessage(settings, models.PlatformDiscord)
	assert.NotEmpty(t, msg)
}

func TestPostToDiscordSuccess(t *testing.T) {
	m, creds, _ := setupSocial(t)

	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	creds.UpdateDiscord(srv.URL)
	assert.True(t, m.PostToDiscord("shame on me", ""))
	assert.Equal(t, "shame on me", gotBody["content"])
}

func TestPostToDiscordRejected(t *testing.T) {
	m, creds, _ := setupSocial(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	creds.UpdateDiscord(srv.URL)
	assert.False(t, m.PostToDiscord("shame on me", ""))
}

func TestPostToDiscordWithoutCredentials(t *testing.T) {
	m, _, _ := setupSocial(t)
	assert.False(t, m.PostToDiscord("shame on me", ""))
}

func TestPostToThreadsTwoStepFlow(t *testing.T) {
	m, creds, _ := setupSocial(t)

	var createCalled, publishCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/threads"):
			createCalled = true
			assert.Equal(t, "TEXT", r.URL.Query().Get("media_type"))
			assert.Equal(t, "public shame", r.URL.Query().Get("text"))
			assert.Equal(t, "token-abc", r.URL.Query().Get("access_token"))
			fmt.Fprint(w, `{"id":"container-1"}`)
		case strings.HasSuffix(r.URL.Path, "/threads_publish"):
			publishCalled = true
			assert.Equal(t, "container-1", r.URL.Query().Get("creation_id"))
			fmt.Fprint(w, `{"id":"post-9"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	creds.UpdateThreads("17841400000000000", "token-abc")
	m.threadsBaseURL = srv.URL

	assert.True(t, m.PostToThreads("public shame"))
	assert.True(t, createCalled)
	assert.True(t, publishCalled)
}

func TestPostToThreadsContainerFailureStopsFlow(t *testing.T) {
	m, creds, _ := setupSocial(t)

	publishCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/threads_publish") {
			publishCalled = true
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	creds.UpdateThreads("17841400000000000", "expired-token")
	m.threadsBaseURL = srv.URL

	assert.False(t, m.PostToThreads("public shame"))
	assert.False(t, publishCalled)
}

func TestSendShameEmail(t *testing.T) {
	m, creds, _ := setupSocial(t)
	creds.UpdateGmail("sender@gmail.com", "app-pw")

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	m.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	ok := m.SendShameEmail("I broke my focus.", []string{"friend@example.com"}, "")
	require.True(t, ok)
	assert.Equal(t, "smtp.gmail.com:587", gotAddr)
	assert.Equal(t, "sender@gmail.com", gotFrom)
	assert.Equal(t, []string{"friend@example.com"}, gotTo)

	body := string(gotMsg)
	assert.Contains(t, body, "To: friend@example.com")
	assert.Contains(t, body, "I broke my focus.")
	assert.Contains(t, body, "multipart/mixed")
}

func TestSendShameEmailRequiresCredsAndRecipients(t *testing.T) {
	m, creds, _ := setupSocial(t)

	assert.False(t, m.SendShameEmail("msg", []string{"a@b.c"}, ""))

	creds.UpdateGmail("sender@gmail.com", "pw")
	assert.False(t, m.SendShameEmail("msg", nil, ""))
}

func TestExecutePenaltyAggregatesResults(t *testing.T) {
	m, creds, _ := setupSocial(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	creds.UpdateDiscord(srv.URL)
	creds.UpdateGmail("sender@gmail.com", "pw")
	m.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		return fmt.Errorf("smtp unreachable")
	}

	state := models.NewSystemState()
	state.PenaltySettings.EnabledPlatforms = []models.SocialPlatform{
		models.PlatformDiscord,
		models.PlatformGmail,
	}
	state.PenaltySettings.GmailRecipients = []string{"friend@example.com"}

	results := m.ExecutePenalty(state, "")
	assert.Equal(t, map[string]bool{
		"discord": true,
		"gmail":   false,
	}, results)
}

func TestExecutePenaltyNoPlatformsEnabled(t *testing.T) {
	m, _, _ := setupSocial(t)

	state := models.NewSystemState()
	state.PenaltySettings.EnabledPlatforms = nil

	assert.Empty(t, m.ExecutePenalty(state, ""))
}
