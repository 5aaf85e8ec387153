package app

import (
	"net/http"
	"strconv"
)

func (s *HTTPServer) handleWorkspaces(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.service.ListWorkspaces(r.Context(), session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspaces": items})
	case http.MethodPost:
		var body struct {
			Name       string `json:"name"`
			JoinPolicy string `json:"joinPolicy"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		ws, err := s.service.CreateWorkspace(r.Context(), session, body.Name, body.JoinPolicy)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, ws)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleWorkspace(w http.ResponseWriter, r *http.Request, session Session, workspaceID string, rest []string) {
	if len(rest) == 0 {
		s.handleWorkspaceRoot(w, r, session, workspaceID)
		return
	}

	switch rest[0] {
	case "members":
		s.handleWorkspaceMembers(w, r, session, workspaceID, rest[1:])
		return
	case "transfer":
		if len(rest) != 1 {
			break
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			UserID string `json:"userId"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		if err := s.service.TransferOwnership(r.Context(), session, workspaceID, body.UserID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case "guests":
		if len(rest) != 1 {
			break
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body AddGuestInput
		if !decodeOrReject(w, r, &body) {
			return
		}
		member, err := s.service.AddGuest(r.Context(), session, workspaceID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, member)
		return
	case "invitations":
		s.handleWorkspaceInvitations(w, r, session, workspaceID, rest[1:])
		return
	case "join-requests":
		s.handleJoinRequests(w, r, session, workspaceID, rest[1:])
		return
	case "channels":
		if len(rest) != 1 {
			break
		}
		s.handleWorkspaceChannels(w, r, session, workspaceID)
		return
	case "dms":
		if len(rest) != 1 {
			break
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			UserIDs []string `json:"userIds"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		channel, created, err := s.service.OpenDirect(r.Context(), session, workspaceID, body.UserIDs)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, channel)
		return
	case "search":
		if len(rest) != 1 {
			break
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleSearch(w, r, session, workspaceID)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleWorkspaceRoot(w http.ResponseWriter, r *http.Request, session Session, workspaceID string) {
	switch r.Method {
	case http.MethodGet:
		ws, err := s.service.GetWorkspace(r.Context(), session, workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ws)
	case http.MethodPatch:
		var body UpdateWorkspaceInput
		if !decodeOrReject(w, r, &body) {
			return
		}
		ws, err := s.service.UpdateWorkspace(r.Context(), session, workspaceID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ws)
	case http.MethodDelete:
		if err := s.service.DeleteWorkspace(r.Context(), session, workspaceID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleWorkspaceMembers(w http.ResponseWriter, r *http.Request, session Session, workspaceID string, rest []string) {
	switch {
	case len(rest) == 0:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		members, err := s.service.ListMembers(r.Context(), session, workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": members})
	case len(rest) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if err := s.service.RemoveMember(r.Context(), session, workspaceID, rest[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(rest) == 2 && rest[1] == "role":
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Role string `json:"role"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		member, err := s.service.SetMemberRole(r.Context(), session, workspaceID, rest[0], body.Role)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, member)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleWorkspaceInvitations(w http.ResponseWriter, r *http.Request, session Session, workspaceID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListInvitations(r.Context(), session, workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invitations": items})
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body CreateInvitationInput
		if !decodeOrReject(w, r, &body) {
			return
		}
		created, err := s.service.CreateInvitation(r.Context(), session, workspaceID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		response := map[string]any{"invitation": created.Invitation}
		if !s.service.SMTPConfigured() {
			response["devInviteToken"] = created.Token
		}
		writeJSON(w, http.StatusCreated, response)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.RevokeInvitation(r.Context(), session, workspaceID, rest[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(rest) <= 1:
		methodNotAllowed(w)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleMyInvitations(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := s.service.ListMyInvitations(r.Context(), session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invitations": items})
	case len(rest) == 1 && (rest[0] == "accept" || rest[0] == "decline"):
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Token string `json:"token"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		if body.Token == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "token is required", nil)
			return
		}
		if rest[0] == "decline" {
			if err := s.service.DeclineInvitation(r.Context(), session, body.Token); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		ws, err := s.service.AcceptInvitation(r.Context(), session, body.Token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspace": ws})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleJoinRequests(w http.ResponseWriter, r *http.Request, session Session, workspaceID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListJoinRequests(r.Context(), session, workspaceID, r.URL.Query().Get("status"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": items})
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Note string `json:"note"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		result, err := s.service.RequestToJoin(r.Context(), session, workspaceID, body.Note)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusCreated
		if result.Joined {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{
			"joined":    result.Joined,
			"workspace": result.Workspace,
			"request":   result.Request,
		})
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.CancelJoinRequest(r.Context(), session, workspaceID, rest[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(rest) == 2 && (rest[1] == "approve" || rest[1] == "reject"):
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		decide := s.service.ApproveJoinRequest
		if rest[1] == "reject" {
			decide = s.service.RejectJoinRequest
		}
		request, err := decide(r.Context(), session, workspaceID, rest[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, request)
	case len(rest) <= 1:
		methodNotAllowed(w)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleWorkspaceChannels(w http.ResponseWriter, r *http.Request, session Session, workspaceID string) {
	switch r.Method {
	case http.MethodGet:
		channels, err := s.service.ListChannels(r.Context(), session, workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
	case http.MethodPost:
		var body CreateChannelInput
		if !decodeOrReject(w, r, &body) {
			return
		}
		channel, err := s.service.CreateChannel(r.Context(), session, workspaceID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, channel)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session, workspaceID string) {
	query := r.URL.Query()
	input := SearchInput{Text: query.Get("q"), ChannelID: query.Get("channelId")}
	for name, target := range map[string]*int{"limit": &input.Limit, "offset": &input.Offset} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be a non-negative integer", nil)
			return
		}
		*target = value
	}
	response, err := s.service.Search(r.Context(), session, workspaceID, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}
