package app

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"huddle/api/internal/attachments"
)

// multipartOverhead leaves room for part headers around a maximum-size file.
const multipartOverhead = 1 << 20

func (s *HTTPServer) handleChannel(w http.ResponseWriter, r *http.Request, session Session, channelID string, rest []string) {
	if len(rest) == 0 {
		s.handleChannelRoot(w, r, session, channelID)
		return
	}

	switch rest[0] {
	case "archive", "unarchive":
		if len(rest) != 1 {
			break
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		channel, err := s.service.SetArchived(r.Context(), session, channelID, rest[0] == "archive")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
		return
	case "join":
		if len(rest) != 1 {
			break
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		channel, err := s.service.JoinChannel(r.Context(), session, channelID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
		return
	case "leave":
		if len(rest) != 1 {
			break
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.service.LeaveChannel(r.Context(), session, channelID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case "members":
		s.handleChannelMembers(w, r, session, channelID, rest[1:])
		return
	case "read":
		if len(rest) != 1 {
			break
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Seq int64 `json:"seq"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		marker, err := s.service.MarkRead(r.Context(), session, channelID, body.Seq)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"channelId": channelID, "lastReadSeq": marker})
		return
	case "messages":
		if len(rest) != 1 {
			break
		}
		s.handleChannelMessages(w, r, session, channelID)
		return
	case "pins":
		if len(rest) != 1 {
			break
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		pins, err := s.service.ListPins(r.Context(), session, channelID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pins": pins})
		return
	case "attachments":
		if len(rest) != 1 {
			break
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleUpload(w, r, session, channelID)
		return
	case "canvas":
		s.handleCanvas(w, r, session, channelID, rest[1:])
		return
	case "export":
		if len(rest) != 1 {
			break
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleExport(w, r, session, channelID)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleChannelRoot(w http.ResponseWriter, r *http.Request, session Session, channelID string) {
	switch r.Method {
	case http.MethodGet:
		channel, err := s.service.GetChannel(r.Context(), session, channelID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
	case http.MethodPatch:
		var body UpdateChannelInput
		if !decodeOrReject(w, r, &body) {
			return
		}
		channel, err := s.service.UpdateChannel(r.Context(), session, channelID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
	case http.MethodDelete:
		if err := s.service.DeleteChannel(r.Context(), session, channelID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleChannelMembers(w http.ResponseWriter, r *http.Request, session Session, channelID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		members, err := s.service.ListChannelMembers(r.Context(), session, channelID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": members})
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body AddChannelMemberInput
		if !decodeOrReject(w, r, &body) {
			return
		}
		member, err := s.service.AddChannelMember(r.Context(), session, channelID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, member)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.RemoveChannelMember(r.Context(), session, channelID, rest[0]); err != nil {
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
		member, err := s.service.SetChannelMemberRole(r.Context(), session, channelID, rest[0], body.Role)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, member)
	case len(rest) <= 1:
		methodNotAllowed(w)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleChannelMessages(w http.ResponseWriter, r *http.Request, session Session, channelID string) {
	switch r.Method {
	case http.MethodGet:
		before, err := queryInt(r, "before")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		after, err := queryInt(r, "after")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		page, err := s.service.ListMessages(r.Context(), session, channelID, before, after, int(limit))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	case http.MethodPost:
		var body PostMessageInput
		if !decodeOrReject(w, r, &body) {
			return
		}
		message, duplicate, err := s.service.PostMessage(r.Context(), session, channelID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusCreated
		if duplicate {
			status = http.StatusOK
		}
		writeJSON(w, status, message)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request, session Session, messageID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPatch:
		var body struct {
			Body string `json:"body"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		message, err := s.service.EditMessage(r.Context(), session, messageID, body.Body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, message)
	case len(rest) == 0 && r.Method == http.MethodDelete:
		if err := s.service.DeleteMessage(r.Context(), session, messageID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(rest) == 0:
		methodNotAllowed(w)
	case len(rest) == 1 && rest[0] == "thread":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		messages, err := s.service.Thread(r.Context(), session, messageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
	case len(rest) == 2 && rest[0] == "reactions":
		if r.Method != http.MethodPut && r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		reactions, err := s.service.React(r.Context(), session, messageID, rest[1], r.Method == http.MethodPut)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messageId": messageID, "reactions": reactions})
	case len(rest) == 1 && rest[0] == "pin":
		var err error
		switch r.Method {
		case http.MethodPost:
			err = s.service.Pin(r.Context(), session, messageID)
		case http.MethodDelete:
			err = s.service.Unpin(r.Context(), session, messageID)
		default:
			methodNotAllowed(w)
			return
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session, channelID string) {
	r.Body = http.MaxBytesReader(w, r.Body, attachments.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the 25 MiB limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", nil)
		return
	}
	defer file.Close()

	att, err := s.service.UploadAttachment(r.Context(), session, channelID, UploadInput{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (s *HTTPServer) handleCanvas(w http.ResponseWriter, r *http.Request, session Session, channelID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		current, err := s.service.GetCanvas(r.Context(), session, channelID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, current)
	case len(rest) == 0 && r.Method == http.MethodPut:
		var body struct {
			Body    string `json:"body"`
			Message string `json:"message"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		current, changed, err := s.service.SaveCanvas(r.Context(), session, channelID, body.Body, body.Message)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"canvas": current, "changed": changed})
	case len(rest) == 0:
		methodNotAllowed(w)
	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		history, err := s.service.CanvasHistory(r.Context(), session, channelID, int(limit))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revisions": history})
	case len(rest) == 2 && rest[0] == "revisions" && r.Method == http.MethodGet:
		revision, err := s.service.CanvasRevision(r.Context(), session, channelID, rest[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, revision)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, channelID string) {
	from, err := queryTime(r, "from")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.Export(r.Context(), session, channelID, ExportInput{
		Format: r.URL.Query().Get("format"),
		From:   from,
		To:     to,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("X-Export-Truncated", strconv.FormatBool(result.Truncated))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}
