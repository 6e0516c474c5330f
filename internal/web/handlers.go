package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/JonMunkholm/sheetbot/internal/channel"
	"github.com/JonMunkholm/sheetbot/internal/logging"
)

// getNotAllowed is the body of GET /api/messages.
const getNotAllowed = "This endpoint is for POST requests only. Please POST your bot message payload here."

// messagesResponse carries the reply when the activity had no service URL
// to post it to.
type messagesResponse struct {
	Activities []channel.Activity `json:"activities"`
	Code       string             `json:"code,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := pageStatus{
		Version: s.version,
		Uptime:  time.Since(s.started),
		Backend: s.cfg.State.Backend,
	}
	if s.limiter != nil {
		ls := s.limiter.Status()
		st.Fetches = &ls
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPage(st).Render(r.Context(), w); err != nil {
		logging.FromContext(r.Context()).Error("render status page", "error", err)
	}
}

func (s *Server) handleMessagesGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodPost)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusMethodNotAllowed)
	fmt.Fprint(w, getNotAllowed)
}

// handleMessages runs one activity through the bot. The reply is posted to
// the activity's service URL when it has one and returned in the body
// otherwise. Workflow failures still produce a reply but answer 500.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)

	var act channel.Activity
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, http.StatusRequestEntityTooLarge, errBodyTooLarge, err)
			return
		}
		respondError(w, r, http.StatusBadRequest, errMalformedActivity, err)
		return
	}
	if act.Type == "" || act.Conversation.ID == "" {
		respondError(w, r, http.StatusBadRequest, errMalformedActivity, errors.New("missing type or conversation id"))
		return
	}

	ctx := logging.WithConversation(r.Context(), act.Conversation.ID)
	log := logging.WithFields(ctx, "activity_type", act.Type, "channel", act.ChannelID)

	if !act.IsMessage() {
		log.Debug("ignoring non-message activity")
		w.WriteHeader(http.StatusOK)
		return
	}

	// Refuse untrusted service URLs before doing any work.
	if act.ServiceURL != "" && s.sender != nil {
		if err := s.sender.CheckServiceURL(act.ServiceURL); err != nil {
			respondError(w, r, http.StatusForbidden, errUntrustedServiceURL, err)
			return
		}
	}

	reply, handleErr := s.bot.Handle(ctx, act.ToMessage())
	out := act.NewReply(reply)

	if act.ServiceURL != "" && s.sender != nil {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Bot.ReplyTimeout)
		defer cancel()
		if err := s.sender.Send(sendCtx, out); err != nil {
			respondError(w, r, http.StatusBadGateway, errReplyFailed, err)
			return
		}
		if handleErr != nil {
			respondUnexpected(w, r, handleErr)
			return
		}
		log.Info("reply sent", "attachments", len(out.Attachments))
		w.WriteHeader(http.StatusOK)
		return
	}

	resp := messagesResponse{Activities: []channel.Activity{out}}
	status := http.StatusOK
	if handleErr != nil {
		resp.Code = "ERR000"
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}
