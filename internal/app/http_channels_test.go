package app

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/api/internal/realtime"
	"huddle/api/internal/store"
)

type channelFixture struct {
	*testEnv
	owner, member, outsider string
}

// newChannelFixture builds a workspace owned by usr-1 with usr-2 as a joined
// member of #general and usr-3 outside the workspace.
func newChannelFixture(t *testing.T) channelFixture {
	t.Helper()
	env := newTestEnv(t)
	env.addUser("usr-1", "Avery", "avery@example.com")
	env.addUser("usr-2", "Blake", "blake@example.com")
	env.addUser("usr-3", "Casey", "casey@example.com")
	env.withWorkspace(t, "usr-1", JoinPolicyInviteOnly)
	env.join("usr-2", "member")
	return channelFixture{
		testEnv:  env,
		owner:    env.token(t, "usr-1"),
		member:   env.token(t, "usr-2"),
		outsider: env.token(t, "usr-3"),
	}
}

func (f channelFixture) post(t *testing.T, token, channelID string, body map[string]any) map[string]any {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/api/channels/"+channelID+"/messages", token, body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeJSON(t, rr)
}

func (f channelFixture) createChannel(t *testing.T, token, name, kind string) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/api/workspaces/"+f.workspace+"/channels", token, map[string]string{"name": name, "kind": kind})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeJSON(t, rr)["id"].(string)
}

func TestPostMessageAssignsSequenceAndPublishes(t *testing.T) {
	f := newChannelFixture(t)

	first := f.post(t, f.member, f.general, map[string]any{"body": "hello"})
	second := f.post(t, f.owner, f.general, map[string]any{"body": "hi there"})

	assert.EqualValues(t, 1, first["seq"])
	assert.EqualValues(t, 2, second["seq"])
	assert.Equal(t, "Blake", first["authorName"])

	created := f.events.ofType(realtime.EventMessageCreated)
	require.Len(t, created, 2)
	assert.Equal(t, int64(2), created[1].Seq)
	assert.Equal(t, f.general, created[1].ChannelID)
}

func TestPostMessageIsIdempotentOnClientID(t *testing.T) {
	f := newChannelFixture(t)

	first := f.post(t, f.member, f.general, map[string]any{"body": "once", "clientMessageId": "c-1"})
	rr := f.do(t, http.MethodPost, "/api/channels/"+f.general+"/messages", f.member, map[string]any{"body": "once", "clientMessageId": "c-1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	again := decodeJSON(t, rr)

	assert.Equal(t, first["id"], again["id"])
	assert.Len(t, f.events.ofType(realtime.EventMessageCreated), 1)
}

func TestPostMessageValidation(t *testing.T) {
	f := newChannelFixture(t)

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{name: "empty body", body: map[string]any{"body": "   "}, code: "VALIDATION_ERROR"},
		{name: "unknown parent", body: map[string]any{"body": "x", "parentId": "msg-missing"}, code: "VALIDATION_ERROR"},
		{name: "unknown attachment", body: map[string]any{"body": "x", "attachmentIds": []string{"att-missing"}}, code: "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/api/channels/"+f.general+"/messages", f.member, tt.body)
			expectCode(t, rr, http.StatusUnprocessableEntity, tt.code)
		})
	}
}

func TestRepliesStayOneLevelDeep(t *testing.T) {
	f := newChannelFixture(t)

	root := f.post(t, f.owner, f.general, map[string]any{"body": "root"})
	reply := f.post(t, f.member, f.general, map[string]any{"body": "reply", "parentId": root["id"]})

	rr := f.do(t, http.MethodPost, "/api/channels/"+f.general+"/messages", f.owner, map[string]any{"body": "nested", "parentId": reply["id"]})
	expectCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	rr = f.do(t, http.MethodGet, "/api/messages/"+reply["id"].(string)+"/thread", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	thread := decodeJSON(t, rr)["messages"].([]any)
	require.Len(t, thread, 2)
	assert.Equal(t, root["id"], thread[0].(map[string]any)["id"])
	assert.EqualValues(t, 1, thread[0].(map[string]any)["replyCount"])

	// The root's reply count change is published as an update.
	assert.NotEmpty(t, f.events.ofType(realtime.EventMessageUpdated))
}

func TestListMessagesPaging(t *testing.T) {
	f := newChannelFixture(t)
	for i := 1; i <= 5; i++ {
		f.post(t, f.owner, f.general, map[string]any{"body": fmt.Sprintf("m%d", i)})
	}

	rr := f.do(t, http.MethodGet, "/api/channels/"+f.general+"/messages?limit=2", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	page := decodeJSON(t, rr)
	assert.Equal(t, true, page["hasMore"])
	messages := page["messages"].([]any)
	require.Len(t, messages, 2)
	assert.EqualValues(t, 1, messages[0].(map[string]any)["seq"])

	rr = f.do(t, http.MethodGet, "/api/channels/"+f.general+"/messages?before=5&limit=2", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	page = decodeJSON(t, rr)
	messages = page["messages"].([]any)
	require.Len(t, messages, 2)
	assert.EqualValues(t, 3, messages[0].(map[string]any)["seq"])
	assert.EqualValues(t, 4, messages[1].(map[string]any)["seq"])
	assert.Equal(t, true, page["hasMore"])

	rr = f.do(t, http.MethodGet, "/api/channels/"+f.general+"/messages?after=3", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	page = decodeJSON(t, rr)
	assert.Len(t, page["messages"], 2)
	assert.Equal(t, false, page["hasMore"])

	rr = f.do(t, http.MethodGet, "/api/channels/"+f.general+"/messages?limit=abc", f.member, nil)
	expectCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestOutsiderCannotReadChannel(t *testing.T) {
	f := newChannelFixture(t)

	rr := f.do(t, http.MethodGet, "/api/channels/"+f.general+"/messages", f.outsider, nil)
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")
}

func TestUnjoinedPublicChannelIsReadOnly(t *testing.T) {
	f := newChannelFixture(t)
	random := f.createChannel(t, f.owner, "Random Talk", "public")

	rr := f.do(t, http.MethodGet, "/api/channels/"+random+"/messages", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/api/channels/"+random+"/messages", f.member, map[string]any{"body": "hi"})
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr = f.do(t, http.MethodPost, "/api/channels/"+random+"/join", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, decodeJSON(t, rr)["joined"])

	f.post(t, f.member, random, map[string]any{"body": "hi"})
}

func TestPrivateChannelHiddenFromNonMembers(t *testing.T) {
	f := newChannelFixture(t)
	secret := f.createChannel(t, f.owner, "secret", "private")

	rr := f.do(t, http.MethodGet, "/api/channels/"+secret, f.member, nil)
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr = f.do(t, http.MethodGet, "/api/workspaces/"+f.workspace+"/channels", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	for _, item := range decodeJSON(t, rr)["channels"].([]any) {
		assert.NotEqual(t, secret, item.(map[string]any)["id"])
	}

	rr = f.do(t, http.MethodPost, "/api/channels/"+secret+"/join", f.member, nil)
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")
}

func TestDuplicateChannelName(t *testing.T) {
	f := newChannelFixture(t)
	f.createChannel(t, f.owner, "design", "public")

	rr := f.do(t, http.MethodPost, "/api/workspaces/"+f.workspace+"/channels", f.owner, map[string]string{"name": "Design"})
	expectCode(t, rr, http.StatusConflict, "CHANNEL_EXISTS")
}

func TestGeneralCannotBeDeleted(t *testing.T) {
	f := newChannelFixture(t)

	rr := f.do(t, http.MethodDelete, "/api/channels/"+f.general, f.owner, nil)
	expectCode(t, rr, http.StatusConflict, "INVALID_STATE")
}

func TestArchivedChannelRejectsPosts(t *testing.T) {
	f := newChannelFixture(t)

	rr := f.do(t, http.MethodPost, "/api/channels/"+f.general+"/archive", f.member, nil)
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr = f.do(t, http.MethodPost, "/api/channels/"+f.general+"/archive", f.owner, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/api/channels/"+f.general+"/messages", f.member, map[string]any{"body": "late"})
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")
	assert.Equal(t, "channel_archived", decodeJSON(t, rr)["details"].(map[string]any)["reason"])

	rr = f.do(t, http.MethodGet, "/api/channels/"+f.general+"/messages", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/channels/"+f.general+"/unarchive", f.owner, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	f.post(t, f.member, f.general, map[string]any{"body": "back"})
}

func TestGuestIsCappedAtChannelMember(t *testing.T) {
	f := newChannelFixture(t)
	f.addUser("usr-4", "Dana", "dana@example.com")
	shared := f.createChannel(t, f.owner, "shared", "private")

	rr := f.do(t, http.MethodPost, "/api/workspaces/"+f.workspace+"/guests", f.owner, map[string]any{
		"userId": "usr-4", "channelIds": []string{shared},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPut, "/api/channels/"+shared+"/members/usr-4/role", f.owner, map[string]string{"role": "moderator"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	guest := f.token(t, "usr-4")
	msg := f.post(t, f.owner, shared, map[string]any{"body": "owner message"})
	rr = f.do(t, http.MethodDelete, "/api/messages/"+msg["id"].(string), guest, nil)
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr = f.do(t, http.MethodGet, "/api/channels/"+f.general+"/messages", guest, nil)
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")
}

func TestGuestCannotBeAddedToArchivedChannel(t *testing.T) {
	f := newChannelFixture(t)
	f.addUser("usr-4", "Dana", "dana@example.com")
	shared := f.createChannel(t, f.owner, "shared", "private")
	old := f.createChannel(t, f.owner, "old", "public")
	rr := f.do(t, http.MethodPost, "/api/channels/"+old+"/archive", f.owner, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	memberEvents := len(f.events.ofType(realtime.EventChannelMember))

	rr = f.do(t, http.MethodPost, "/api/workspaces/"+f.workspace+"/guests", f.owner, map[string]any{
		"userId": "usr-4", "channelIds": []string{shared, old},
	})
	expectCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err := f.store.GetWorkspaceMember(t.Context(), f.workspace, "usr-4")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, f.events.ofType(realtime.EventChannelMember), memberEvents)
}

func TestGuestAddIsAllOrNothing(t *testing.T) {
	f := newChannelFixture(t)
	f.addUser("usr-4", "Dana", "dana@example.com")
	shared := f.createChannel(t, f.owner, "shared", "private")
	racing := f.createChannel(t, f.owner, "racing", "public")
	memberEvents := len(f.events.ofType(realtime.EventChannelMember))

	// The channel is archived after validation but before the write.
	f.store.mu.Lock()
	f.store.beforeAddGuest = func(fs *fakeStore) {
		ch := fs.channels[racing]
		ch.IsArchived = true
		fs.channels[racing] = ch
	}
	f.store.mu.Unlock()

	rr := f.do(t, http.MethodPost, "/api/workspaces/"+f.workspace+"/guests", f.owner, map[string]any{
		"userId": "usr-4", "channelIds": []string{shared, racing},
	})
	expectCode(t, rr, http.StatusConflict, "INVALID_STATE")

	_, err := f.store.GetWorkspaceMember(t.Context(), f.workspace, "usr-4")
	assert.ErrorIs(t, err, store.ErrNotFound)
	f.store.mu.Lock()
	_, joined := f.store.chMembers[shared]["usr-4"]
	f.store.mu.Unlock()
	assert.False(t, joined)
	assert.Len(t, f.events.ofType(realtime.EventChannelMember), memberEvents)
}

func TestChannelMemberManagement(t *testing.T) {
	f := newChannelFixture(t)
	team := f.createChannel(t, f.owner, "team", "private")

	rr := f.do(t, http.MethodPost, "/api/channels/"+team+"/members", f.owner, map[string]string{"userId": "usr-2"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/api/channels/"+team+"/members", f.owner, map[string]string{"userId": "usr-2"})
	expectCode(t, rr, http.StatusConflict, "ALREADY_MEMBER")

	rr = f.do(t, http.MethodPost, "/api/channels/"+team+"/members", f.owner, map[string]string{"userId": "usr-3"})
	expectCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	// Members may not hand out moderator.
	f.addUser("usr-5", "Eli", "eli@example.com")
	f.join("usr-5", "member")
	rr = f.do(t, http.MethodPost, "/api/channels/"+team+"/members", f.member, map[string]string{"userId": "usr-5", "role": "moderator"})
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr = f.do(t, http.MethodGet, "/api/channels/"+team+"/members", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeJSON(t, rr)["members"], 2)

	rr = f.do(t, http.MethodDelete, "/api/channels/"+team+"/members/usr-2", f.owner, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	removed := f.events.ofType(realtime.EventChannelRemoved)
	require.NotEmpty(t, removed)
	last := removed[len(removed)-1]
	assert.Equal(t, "usr-2", last.UserID)
	assert.Equal(t, team, last.ChannelID)
}

func TestLeaveChannelTwice(t *testing.T) {
	f := newChannelFixture(t)

	rr := f.do(t, http.MethodPost, "/api/channels/"+f.general+"/leave", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/api/channels/"+f.general+"/leave", f.member, nil)
	expectCode(t, rr, http.StatusConflict, "NOT_A_MEMBER")

	// Leaving a public channel keeps read access, so nothing is evicted.
	assert.Empty(t, f.events.ofType(realtime.EventChannelRemoved))
}

func TestMarkReadNeverMovesBackwards(t *testing.T) {
	f := newChannelFixture(t)
	for i := 0; i < 3; i++ {
		f.post(t, f.owner, f.general, map[string]any{"body": "m"})
	}

	rr := f.do(t, http.MethodPost, "/api/channels/"+f.general+"/read", f.member, map[string]int{"seq": 3})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.EqualValues(t, 3, decodeJSON(t, rr)["lastReadSeq"])

	rr = f.do(t, http.MethodPost, "/api/channels/"+f.general+"/read", f.member, map[string]int{"seq": 1})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 3, decodeJSON(t, rr)["lastReadSeq"])
}

func TestEditAndDeleteMessage(t *testing.T) {
	f := newChannelFixture(t)
	msg := f.post(t, f.member, f.general, map[string]any{"body": "draft"})
	id := msg["id"].(string)

	rr := f.do(t, http.MethodPatch, "/api/messages/"+id, f.owner, map[string]string{"body": "hijack"})
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")
	assert.Equal(t, "not_author", decodeJSON(t, rr)["details"].(map[string]any)["reason"])

	rr = f.do(t, http.MethodPatch, "/api/messages/"+id, f.member, map[string]string{"body": "final"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	edited := decodeJSON(t, rr)
	assert.Equal(t, "final", edited["body"])
	assert.NotNil(t, edited["editedAt"])

	// Workspace owners moderate every channel.
	rr = f.do(t, http.MethodDelete, "/api/messages/"+id, f.owner, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, f.events.ofType(realtime.EventMessageDeleted), 1)

	rr = f.do(t, http.MethodPatch, "/api/messages/"+id, f.member, map[string]string{"body": "again"})
	expectCode(t, rr, http.StatusConflict, "INVALID_STATE")

	rr = f.do(t, http.MethodDelete, "/api/messages/"+id, f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, f.events.ofType(realtime.EventMessageDeleted), 1)
}

func TestMemberCannotDeleteOthersMessage(t *testing.T) {
	f := newChannelFixture(t)
	msg := f.post(t, f.owner, f.general, map[string]any{"body": "keep"})

	rr := f.do(t, http.MethodDelete, "/api/messages/"+msg["id"].(string), f.member, nil)
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")
}

func TestReactions(t *testing.T) {
	f := newChannelFixture(t)
	msg := f.post(t, f.owner, f.general, map[string]any{"body": "ship it"})
	path := "/api/messages/" + msg["id"].(string) + "/reactions/"

	rr := f.do(t, http.MethodPut, path+"thumbsup", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = f.do(t, http.MethodPut, path+"thumbsup", f.owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = f.do(t, http.MethodPut, path+"thumbsup", f.owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	reactions := decodeJSON(t, rr)["reactions"].([]any)
	require.Len(t, reactions, 1)
	assert.EqualValues(t, 2, reactions[0].(map[string]any)["count"])

	rr = f.do(t, http.MethodDelete, path+"thumbsup", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	reactions = decodeJSON(t, rr)["reactions"].([]any)
	assert.EqualValues(t, 1, reactions[0].(map[string]any)["count"])

	assert.Len(t, f.events.ofType(realtime.EventReactionUpdated), 4)
}

func TestPinsRequireModeration(t *testing.T) {
	f := newChannelFixture(t)
	msg := f.post(t, f.member, f.general, map[string]any{"body": "important"})
	pinPath := "/api/messages/" + msg["id"].(string) + "/pin"

	rr := f.do(t, http.MethodPost, pinPath, f.member, nil)
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr = f.do(t, http.MethodPost, pinPath, f.owner, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/api/channels/"+f.general+"/pins", f.member, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	pins := decodeJSON(t, rr)["pins"].([]any)
	require.Len(t, pins, 1)
	assert.Equal(t, msg["id"], pins[0].(map[string]any)["message"].(map[string]any)["id"])

	rr = f.do(t, http.MethodDelete, pinPath, f.owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = f.do(t, http.MethodDelete, pinPath, f.owner, nil)
	expectCode(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestDirectConversations(t *testing.T) {
	f := newChannelFixture(t)

	rr := f.do(t, http.MethodPost, "/api/workspaces/"+f.workspace+"/dms", f.owner, map[string]any{"userIds": []string{"usr-2"}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	dm := decodeJSON(t, rr)
	assert.Equal(t, "direct", dm["kind"])

	rr = f.do(t, http.MethodPost, "/api/workspaces/"+f.workspace+"/dms", f.member, map[string]any{"userIds": []string{"usr-1"}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, dm["id"], decodeJSON(t, rr)["id"])

	rr = f.do(t, http.MethodPost, "/api/workspaces/"+f.workspace+"/dms", f.owner, map[string]any{"userIds": []string{"usr-3"}})
	expectCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	rr = f.do(t, http.MethodPost, "/api/workspaces/"+f.workspace+"/dms", f.owner, map[string]any{"userIds": []string{}})
	expectCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	// Workspace admins get no implicit access to other people's DMs.
	f.addUser("usr-6", "Fran", "fran@example.com")
	f.join("usr-6", "admin")
	rr = f.do(t, http.MethodGet, "/api/channels/"+dm["id"].(string)+"/messages", f.token(t, "usr-6"), nil)
	expectCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr = f.do(t, http.MethodPatch, "/api/channels/"+dm["id"].(string), f.owner, map[string]string{"name": "renamed"})
	assert.GreaterOrEqual(t, rr.Code, 400)
}

func TestOptionalBackendsReportUnavailable(t *testing.T) {
	f := newChannelFixture(t)

	rr := f.do(t, http.MethodGet, "/api/workspaces/"+f.workspace+"/search?q=hello", f.member, nil)
	expectCode(t, rr, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE")

	rr = f.do(t, http.MethodGet, "/api/channels/"+f.general+"/canvas", f.member, nil)
	expectCode(t, rr, http.StatusServiceUnavailable, "CANVAS_UNAVAILABLE")
}

func TestChannelNotFound(t *testing.T) {
	f := newChannelFixture(t)

	rr := f.do(t, http.MethodGet, "/api/channels/ch-missing", f.member, nil)
	expectCode(t, rr, http.StatusNotFound, "NOT_FOUND")
}
