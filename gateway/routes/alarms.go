package routes

import (
	"encoding/json"
	"io"
	"net/http"

	"proofwork/models"
)

// snsEnvelope is the subset of an SNS HTTP delivery the inbox keeps.
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	TopicARN  string `json:"TopicArn"`
	Subject   string `json:"Subject"`
	Message   string `json:"Message"`
}

// ingestAlarm accepts SNS notifications for the operator inbox. Confirmation
// handshakes are stored for audit but never auto-confirmed; an operator
// follows the SubscribeURL by hand.
func (a *api) ingestAlarm(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "oversize", "payload too large")
		return
	}
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		respondError(w, http.StatusBadRequest, "schema", "body is not an SNS envelope")
		return
	}
	if env.MessageID == "" || env.TopicARN == "" {
		respondError(w, http.StatusBadRequest, "schema", "MessageId and TopicArn are required")
		return
	}
	fresh, err := a.Store.RecordAlarm(&models.AlarmNotification{
		TopicARN:     env.TopicARN,
		SNSMessageID: env.MessageID,
		Kind:         env.Type,
		Subject:      env.Subject,
		Message:      env.Message,
		Raw:          string(body),
	})
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	if env.Type == "SubscriptionConfirmation" {
		a.Logger.Warn("sns subscription confirmation received; confirm manually",
			"topic_arn", env.TopicARN, "message_id", env.MessageID)
	}
	respondData(w, map[string]any{"stored": fresh})
}
