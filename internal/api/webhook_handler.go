package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/threadline/internal/jobqueue"
	"github.com/threadline/internal/thread"
)

// EmailPayload is the inbound email webhook body. It mirrors the trigger
// wire shape so the event log stores what arrived, nothing reshaped.
type EmailPayload struct {
	FromAddress string   `json:"from_address"`
	ToAddress   []string `json:"to_address"`
	CCAddress   []string `json:"cc_address"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	MessageID   string   `json:"message_id"`
	IsTest      bool     `json:"is_test"`
}

// HumanResponseSpec is the suspended request being answered. State is the
// token we attached when suspending; it comes back verbatim.
type HumanResponseSpec struct {
	Msg    string            `json:"msg,omitempty"`
	Fn     string            `json:"fn,omitempty"`
	Kwargs map[string]any    `json:"kwargs,omitempty"`
	State  thread.StateToken `json:"state"`
}

// HumanResponseStatus carries the human's answer. Approved is a pointer:
// present means this is an approval decision, absent means free-text reply.
type HumanResponseStatus struct {
	Response string `json:"response,omitempty"`
	Approved *bool  `json:"approved,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// HumanResponseEvent is one completed human interaction.
type HumanResponseEvent struct {
	Spec   HumanResponseSpec   `json:"spec"`
	Status HumanResponseStatus `json:"status"`
}

// HumanResponsePayload is the inbound human-response webhook body.
type HumanResponsePayload struct {
	Event HumanResponseEvent `json:"event"`
}

// handleNewThread accepts an inbound email and schedules a fresh thread run.
func (s *Server) handleNewThread(c echo.Context) error {
	var payload EmailPayload
	if err := c.Bind(&payload); err != nil {
		s.log.Error().Err(err).Msg("failed to parse new-thread payload")
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid email payload",
		})
	}

	if payload.FromAddress == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "from_address is required",
		})
	}

	// Auto-replies from the configured sentinel sender and test deliveries
	// are acked and dropped, otherwise the agent mails itself in a loop.
	if payload.FromAddress == s.sentinelSender || payload.IsTest {
		s.log.Info().
			Str("from", payload.FromAddress).
			Bool("is_test", payload.IsTest).
			Msg("ignoring email, no thread started")
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}

	runID := uuid.New().String()
	trigger := thread.Trigger{
		From:      payload.FromAddress,
		To:        payload.ToAddress,
		CC:        payload.CCAddress,
		Subject:   payload.Subject,
		Body:      payload.Body,
		MessageID: payload.MessageID,
		IsTest:    payload.IsTest,
	}

	if err := s.scheduler.Schedule(c.Request().Context(), jobqueue.ThreadWorkArgs{
		RunID:   runID,
		Op:      jobqueue.OpNewThread,
		Trigger: &trigger,
	}); err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("failed to schedule thread work")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to schedule thread",
		})
	}

	s.log.Info().
		Str("run_id", runID).
		Str("from", payload.FromAddress).
		Str("subject", payload.Subject).
		Msg("new thread scheduled")

	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"run_id": runID,
	})
}

// handleHumanResponse resumes a suspended thread with a human's answer.
func (s *Server) handleHumanResponse(c echo.Context) error {
	var payload HumanResponsePayload
	if err := c.Bind(&payload); err != nil {
		s.log.Error().Err(err).Msg("failed to parse human-response payload")
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid human response payload",
		})
	}

	// There is no thread store to fall back to. No token, no thread.
	if payload.Event.Spec.State == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "response carries no state token, thread cannot be resumed",
		})
	}

	runID := uuid.New().String()
	args := jobqueue.ThreadWorkArgs{
		RunID: runID,
		State: payload.Event.Spec.State,
	}

	if payload.Event.Status.Approved != nil {
		args.Op = jobqueue.OpFunctionCall
		args.Approved = payload.Event.Status.Approved
		args.Comment = payload.Event.Status.Comment
	} else {
		args.Op = jobqueue.OpHumanResponse
		args.Message = payload.Event.Status.Response
	}

	if err := s.scheduler.Schedule(c.Request().Context(), args); err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("failed to schedule resume work")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to schedule resume",
		})
	}

	s.log.Info().
		Str("run_id", runID).
		Str("op", args.Op).
		Msg("thread resume scheduled")

	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"run_id": runID,
	})
}
