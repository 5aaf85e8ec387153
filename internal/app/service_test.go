package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/api/internal/canvas"
	"huddle/api/internal/rbac"
	"huddle/api/internal/realtime"
	"huddle/api/internal/store"
)

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryObjects) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return nil
}

func (m *memoryObjects) PresignGet(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key + "?sig=1", nil
}

func (m *memoryObjects) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func seededEnv(t *testing.T, configure func(*Deps)) *testEnv {
	t.Helper()
	env := newTestEnvWith(t, configure)
	env.addUser("usr-1", "Avery", "avery@example.com")
	env.addUser("usr-2", "Blake", "blake@example.com")
	env.addUser("usr-3", "Casey", "casey@example.com")
	env.withWorkspace(t, "usr-1", "invite_only")
	env.join("usr-2", string(rbac.WorkspaceMember))
	return env
}

func TestSweepRemovesExpiredGuestsAndInvitations(t *testing.T) {
	env := seededEnv(t, nil)
	past := time.Now().Add(-time.Hour)

	env.store.mu.Lock()
	env.store.upsertMemberLocked(store.WorkspaceMember{
		WorkspaceID: env.workspace, UserID: "usr-3", Role: string(rbac.WorkspaceGuest), GuestExpiresAt: &past,
	})
	env.store.addChannelMemberLocked(store.ChannelMember{ChannelID: env.general, UserID: "usr-3", Role: string(rbac.ChannelMember)})
	env.store.invitations["inv-old"] = store.Invitation{
		ID: "inv-old", WorkspaceID: env.workspace, Email: "late@example.com", Role: string(rbac.WorkspaceMember),
		Status: InvitationPending, ExpiresAt: past,
	}
	env.store.mu.Unlock()

	result, err := env.service.Sweep(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExpiredGuests)
	assert.Equal(t, int64(1), result.ExpiredInvitations)

	removed := env.events.ofType(realtime.EventChannelRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, "usr-3", removed[0].UserID)
	assert.Equal(t, env.general, removed[0].ChannelID)
	assert.Contains(t, string(removed[0].Payload), "guest_expired")

	_, err = env.store.GetWorkspaceMember(t.Context(), env.workspace, "usr-3")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, InvitationExpired, env.store.invitations["inv-old"].Status)

	// A second pass has nothing left to do.
	result, err = env.service.Sweep(t.Context())
	require.NoError(t, err)
	assert.Zero(t, result.ExpiredGuests)
	assert.Zero(t, result.ExpiredInvitations)
}

func TestSweepEvictsGuestsRemovedBeforeAFailure(t *testing.T) {
	env := seededEnv(t, nil)
	env.addUser("usr-4", "Drew", "drew@example.com")
	past := time.Now().Add(-time.Hour)
	boom := errors.New("connection reset")

	env.store.mu.Lock()
	for _, userID := range []string{"usr-3", "usr-4"} {
		env.store.upsertMemberLocked(store.WorkspaceMember{
			WorkspaceID: env.workspace, UserID: userID, Role: string(rbac.WorkspaceGuest), GuestExpiresAt: &past,
		})
		env.store.addChannelMemberLocked(store.ChannelMember{ChannelID: env.general, UserID: userID, Role: string(rbac.ChannelMember)})
	}
	env.store.expireErrs = map[string]error{"usr-4": boom}
	env.store.mu.Unlock()

	result, err := env.service.Sweep(t.Context())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, result.ExpiredGuests)

	removed := env.events.ofType(realtime.EventChannelRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, "usr-3", removed[0].UserID)

	_, err = env.store.GetWorkspaceMember(t.Context(), env.workspace, "usr-4")
	require.NoError(t, err, "the failed guest is retried on the next pass")

	env.store.mu.Lock()
	env.store.expireErrs = nil
	env.store.mu.Unlock()
	result, err = env.service.Sweep(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExpiredGuests)
	assert.Len(t, env.events.ofType(realtime.EventChannelRemoved), 2)
}

func TestSweepKeepsGuestsWithinWindow(t *testing.T) {
	env := seededEnv(t, nil)
	future := time.Now().Add(time.Hour)
	env.store.mu.Lock()
	env.store.upsertMemberLocked(store.WorkspaceMember{
		WorkspaceID: env.workspace, UserID: "usr-3", Role: string(rbac.WorkspaceGuest), GuestExpiresAt: &future,
	})
	env.store.mu.Unlock()

	result, err := env.service.Sweep(t.Context())
	require.NoError(t, err)
	assert.Zero(t, result.ExpiredGuests)
	assert.Empty(t, env.events.ofType(realtime.EventChannelRemoved))
}

func TestDemotionEvictsFromChannelsNoLongerReadable(t *testing.T) {
	env := seededEnv(t, nil)
	ctx := t.Context()
	owner := Session{UserID: "usr-1"}

	secret, err := env.service.CreateChannel(ctx, owner, env.workspace, CreateChannelInput{Name: "secret", Kind: "private"})
	require.NoError(t, err)
	_, err = env.service.SetMemberRole(ctx, owner, env.workspace, "usr-2", string(rbac.WorkspaceAdmin))
	require.NoError(t, err)
	_, err = backendOpen(env, "usr-2", secret.ID)
	require.NoError(t, err, "admins read every non-direct channel")
	assert.Empty(t, env.events.ofType(realtime.EventChannelRemoved))

	_, err = env.service.SetMemberRole(ctx, owner, env.workspace, "usr-2", string(rbac.WorkspaceMember))
	require.NoError(t, err)

	removed := env.events.ofType(realtime.EventChannelRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, secret.ID, removed[0].ChannelID)
	assert.Equal(t, "usr-2", removed[0].UserID)
	assert.Contains(t, string(removed[0].Payload), "role_changed")

	_, err = backendOpen(env, "usr-2", secret.ID)
	require.Error(t, err)
	_, err = backendOpen(env, "usr-2", env.general)
	require.NoError(t, err)
}

func TestPromotionDoesNotEvict(t *testing.T) {
	env := seededEnv(t, nil)
	_, err := env.service.SetMemberRole(t.Context(), Session{UserID: "usr-1"}, env.workspace, "usr-2", string(rbac.WorkspaceAdmin))
	require.NoError(t, err)
	assert.Empty(t, env.events.ofType(realtime.EventChannelRemoved))
}

func backendOpen(env *testEnv, userID, channelID string) (realtime.ChannelInfo, error) {
	return env.service.RealtimeBackend().OpenChannel(context.Background(), userID, channelID)
}

func TestRealtimeBackendEnforcesAccess(t *testing.T) {
	env := seededEnv(t, nil)
	backend := env.service.RealtimeBackend()
	ctx := t.Context()

	identity, err := backend.Authenticate(ctx, env.token(t, "usr-2"))
	require.NoError(t, err)
	assert.Equal(t, "usr-2", identity.UserID)
	assert.Equal(t, "Blake", identity.Name)

	_, err = backend.Authenticate(ctx, "garbage")
	require.Error(t, err)
	code, _ := MapRealtimeError(err)
	assert.Equal(t, "UNAUTHORIZED", code)

	info, err := backend.OpenChannel(ctx, "usr-2", env.general)
	require.NoError(t, err)
	assert.Equal(t, env.workspace, info.WorkspaceID)
	assert.Zero(t, info.LastSeq)

	_, err = backend.OpenChannel(ctx, "usr-3", env.general)
	require.Error(t, err)
	code, _ = MapRealtimeError(err)
	assert.Equal(t, "FORBIDDEN", code)

	first, err := backend.SendMessage(ctx, "usr-2", realtime.SendRequest{ChannelID: env.general, Body: "hello", ClientMessageID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.False(t, first.Duplicate)

	again, err := backend.SendMessage(ctx, "usr-2", realtime.SendRequest{ChannelID: env.general, Body: "hello", ClientMessageID: "c-1"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.MessageID, again.MessageID)

	_, err = backend.SendMessage(ctx, "usr-2", realtime.SendRequest{ChannelID: env.general, Body: "second"})
	require.NoError(t, err)

	history, err := backend.History(ctx, "usr-2", realtime.HistoryQuery{ChannelID: env.general, AfterSeq: 0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].Seq)
	assert.Equal(t, int64(2), history[1].Seq)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(history[1].Payload, &decoded))
	assert.Equal(t, "second", decoded["body"])

	_, err = backend.History(ctx, "usr-3", realtime.HistoryQuery{ChannelID: env.general, Limit: 10})
	require.Error(t, err)

	_, err = backend.CheckTyping(ctx, "usr-3", env.general)
	require.Error(t, err)
	info, err = backend.CheckTyping(ctx, "usr-2", env.general)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.LastSeq)
}

func TestMapRealtimeErrorHidesInternalErrors(t *testing.T) {
	code, message := MapRealtimeError(io.ErrUnexpectedEOF)
	assert.Equal(t, "SERVER_ERROR", code)
	assert.NotContains(t, message, "EOF")

	code, _ = MapRealtimeError(store.ErrNotFound)
	assert.Equal(t, "NOT_FOUND", code)
}

func TestPreferencesDefaultsAndUpdate(t *testing.T) {
	env := seededEnv(t, nil)
	token := env.token(t, "usr-2")

	rr := env.do(t, http.MethodGet, "/api/me/preferences", token, nil)
	expectStatus(t, rr, http.StatusOK)
	prefs := decodeJSON(t, rr)
	assert.Equal(t, "system", prefs["theme"])
	assert.Equal(t, "en", prefs["locale"])
	assert.Equal(t, "all", prefs["notifyLevel"])
	assert.Equal(t, map[string]any{}, prefs["extra"])

	rr = env.do(t, http.MethodPut, "/api/me/preferences", token, map[string]any{
		"theme": "dark", "locale": "en-gb", "extra": map[string]any{"sidebar": "compact"},
	})
	expectStatus(t, rr, http.StatusOK)
	prefs = decodeJSON(t, rr)
	assert.Equal(t, "dark", prefs["theme"])
	assert.Equal(t, "en-GB", prefs["locale"])
	assert.Equal(t, "all", prefs["notifyLevel"], "unset fields keep their value")
	assert.Equal(t, map[string]any{"sidebar": "compact"}, prefs["extra"])

	rr = env.do(t, http.MethodGet, "/api/me/preferences", token, nil)
	expectStatus(t, rr, http.StatusOK)
	assert.Equal(t, "dark", decodeJSON(t, rr)["theme"])
}

func TestPreferencesValidation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "unknown theme", body: map[string]any{"theme": "neon"}},
		{name: "unknown notify level", body: map[string]any{"notifyLevel": "sometimes"}},
		{name: "bad locale", body: map[string]any{"locale": "not a locale!"}},
		{name: "extra not an object", body: map[string]any{"extra": []int{1, 2}}},
		{name: "extra too large", body: map[string]any{"extra": map[string]string{"blob": strings.Repeat("x", maxPreferencesExtraBytes)}}},
	}

	env := seededEnv(t, nil)
	token := env.token(t, "usr-2")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPut, "/api/me/preferences", token, tt.body)
			expectCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
		})
	}
}

func TestCanvasRevisions(t *testing.T) {
	env := seededEnv(t, func(d *Deps) { d.Canvas = canvas.New(t.TempDir()) })
	member := env.token(t, "usr-2")
	path := "/api/channels/" + env.general + "/canvas"

	rr := env.do(t, http.MethodGet, path, member, nil)
	expectStatus(t, rr, http.StatusOK)
	assert.Equal(t, "", decodeJSON(t, rr)["body"])

	rr = env.do(t, http.MethodPut, path, member, map[string]string{"body": "# Agenda", "message": "start agenda"})
	expectStatus(t, rr, http.StatusOK)
	saved := decodeJSON(t, rr)
	assert.Equal(t, true, saved["changed"])

	rr = env.do(t, http.MethodPut, path, member, map[string]string{"body": "# Agenda\n- launch"})
	expectStatus(t, rr, http.StatusOK)

	// Saving the same body again does not create a revision.
	rr = env.do(t, http.MethodPut, path, member, map[string]string{"body": "# Agenda\n- launch"})
	expectStatus(t, rr, http.StatusOK)
	assert.Equal(t, false, decodeJSON(t, rr)["changed"])
	assert.Len(t, env.events.ofType(realtime.EventChannelUpdated), 2)

	rr = env.do(t, http.MethodGet, path+"/history", member, nil)
	expectStatus(t, rr, http.StatusOK)
	revisions, ok := decodeJSON(t, rr)["revisions"].([]any)
	require.True(t, ok)
	require.Len(t, revisions, 2)
	oldest := revisions[1].(map[string]any)
	assert.Equal(t, "start agenda", oldest["message"])
	assert.Equal(t, "usr-2", oldest["authorId"])

	rr = env.do(t, http.MethodGet, path+"/revisions/"+oldest["hash"].(string), member, nil)
	expectStatus(t, rr, http.StatusOK)
	assert.Equal(t, "# Agenda", decodeJSON(t, rr)["body"])

	rr = env.do(t, http.MethodGet, path, env.token(t, "usr-3"), nil)
	expectStatus(t, rr, http.StatusForbidden)
}

func uploadRequest(t *testing.T, path, token, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAttachmentUploadLinkAndDownload(t *testing.T) {
	objects := &memoryObjects{}
	env := seededEnv(t, func(d *Deps) { d.Objects = objects })
	owner := env.token(t, "usr-1")
	member := env.token(t, "usr-2")

	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, uploadRequest(t, "/api/channels/"+env.general+"/attachments", member, "../notes.txt", []byte("meeting notes")))
	expectStatus(t, rr, http.StatusCreated)
	uploaded := decodeJSON(t, rr)
	attachmentID := uploaded["id"].(string)
	assert.Equal(t, "notes.txt", uploaded["filename"])
	assert.EqualValues(t, len("meeting notes"), uploaded["size"])
	require.Len(t, objects.objects, 1)

	// Unlinked uploads are visible only to the uploader.
	rr = env.do(t, http.MethodGet, "/api/attachments/"+attachmentID, owner, nil)
	expectStatus(t, rr, http.StatusNotFound)
	rr = env.do(t, http.MethodGet, "/api/attachments/"+attachmentID, member, nil)
	expectStatus(t, rr, http.StatusOK)
	assert.Contains(t, decodeJSON(t, rr)["url"], "https://objects.test/")

	rr = env.do(t, http.MethodPost, "/api/channels/"+env.general+"/messages", member, map[string]any{
		"body": "see attached", "attachmentIds": []string{attachmentID},
	})
	expectStatus(t, rr, http.StatusCreated)
	attached, ok := decodeJSON(t, rr)["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, attached, 1)

	rr = env.do(t, http.MethodGet, "/api/attachments/"+attachmentID, owner, nil)
	expectStatus(t, rr, http.StatusOK)

	// A linked attachment cannot be reused.
	rr = env.do(t, http.MethodPost, "/api/channels/"+env.general+"/messages", member, map[string]any{
		"body": "again", "attachmentIds": []string{attachmentID},
	})
	expectStatus(t, rr, http.StatusUnprocessableEntity)
}

func TestMessageNotPublishedWhenAttachmentLinkFails(t *testing.T) {
	env := seededEnv(t, func(d *Deps) { d.Objects = &memoryObjects{} })
	member := env.token(t, "usr-2")

	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, uploadRequest(t, "/api/channels/"+env.general+"/attachments", member, "plan.txt", []byte("plan")))
	expectStatus(t, rr, http.StatusCreated)
	attachmentID := decodeJSON(t, rr)["id"].(string)

	env.store.mu.Lock()
	env.store.linkErr = errors.New("deadlock detected")
	env.store.mu.Unlock()

	rr = env.do(t, http.MethodPost, "/api/channels/"+env.general+"/messages", member, map[string]any{
		"body": "see attached", "attachmentIds": []string{attachmentID, attachmentID},
	})
	expectStatus(t, rr, http.StatusInternalServerError)
	assert.Empty(t, env.events.ofType(realtime.EventMessageCreated))
	env.store.mu.Lock()
	assert.Empty(t, env.store.messages)
	assert.Empty(t, env.store.attachments[attachmentID].MessageID)
	env.store.linkErr = nil
	env.store.mu.Unlock()

	// The upload stays usable once linking recovers; repeated ids count once.
	rr = env.do(t, http.MethodPost, "/api/channels/"+env.general+"/messages", member, map[string]any{
		"body": "see attached", "attachmentIds": []string{attachmentID, attachmentID},
	})
	expectStatus(t, rr, http.StatusCreated)
	attached, ok := decodeJSON(t, rr)["attachments"].([]any)
	require.True(t, ok)
	assert.Len(t, attached, 1)
	assert.Len(t, env.events.ofType(realtime.EventMessageCreated), 1)
}

func TestAttachmentUploadRequiresFile(t *testing.T) {
	env := seededEnv(t, func(d *Deps) { d.Objects = &memoryObjects{} })

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("note", "no file here"))
	require.NoError(t, form.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/channels/"+env.general+"/attachments", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.token(t, "usr-2"))
	rr := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rr, req)
	expectCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestAttachmentsUnavailableWithoutObjectStore(t *testing.T) {
	env := seededEnv(t, nil)
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, uploadRequest(t, "/api/channels/"+env.general+"/attachments", env.token(t, "usr-2"), "a.txt", []byte("a")))
	expectCode(t, rr, http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE")
}

func TestExportTranscriptHTML(t *testing.T) {
	env := seededEnv(t, nil)
	owner := env.token(t, "usr-1")
	for _, body := range []string{"first <b>post</b>", "second post"} {
		_, _, err := env.service.PostMessage(t.Context(), Session{UserID: "usr-2"}, env.general, PostMessageInput{Body: body})
		require.NoError(t, err)
	}

	rr := env.do(t, http.MethodGet, "/api/channels/"+env.general+"/export?format=html", owner, nil)
	expectStatus(t, rr, http.StatusOK)
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment;")
	assert.Equal(t, "false", rr.Header().Get("X-Export-Truncated"))
	body := rr.Body.String()
	assert.Contains(t, body, "second post")
	assert.Contains(t, body, "&lt;b&gt;post&lt;/b&gt;")

	// Members cannot export.
	rr = env.do(t, http.MethodGet, "/api/channels/"+env.general+"/export?format=html", env.token(t, "usr-2"), nil)
	expectStatus(t, rr, http.StatusForbidden)

	rr = env.do(t, http.MethodGet, "/api/channels/"+env.general+"/export?format=docx", owner, nil)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
}
