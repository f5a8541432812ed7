package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/calendar-hub/backend/internal/storage/models"
	"github.com/calendar-hub/backend/internal/webhook"
)

// graphNotification is the Microsoft Graph change-notification envelope.
type graphNotification struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
	} `json:"value"`
}

// MicrosoftWebhook receives Graph change notifications.
//
// Graph validates a new subscription by sending validationToken, which must
// be echoed as text/plain within 10 seconds. Real notifications must be
// acknowledged with 202 quickly; the sync itself runs in the background.
// Notifications with a bad client state are dropped without revealing
// whether the subscription exists.
func MicrosoftWebhook(manager *webhook.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := r.URL.Query().Get("validationToken"); token != "" {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(token))
			return
		}

		var payload graphNotification
		if err := decodeJSON(r, &payload); err != nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		for _, n := range payload.Value {
			err := manager.Notify(r.Context(), models.ProviderMicrosoft, n.SubscriptionID, n.ClientState)
			if err != nil && !errors.Is(err, webhook.ErrUnknownSubscription) && !errors.Is(err, webhook.ErrBadClientState) {
				log.Printf("Microsoft notification for %s failed: %v", n.SubscriptionID, err)
			}
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// GoogleWebhook receives Calendar push notifications. Google identifies the
// channel through headers; the "sync" resource state is the registration
// handshake and carries no changes.
func GoogleWebhook(manager *webhook.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := r.Header.Get("X-Goog-Channel-ID")
		clientState := r.Header.Get("X-Goog-Channel-Token")
		if channelID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-Goog-Resource-State") == "sync" {
			w.WriteHeader(http.StatusOK)
			return
		}

		err := manager.Notify(r.Context(), models.ProviderGoogle, channelID, clientState)
		if err != nil && !errors.Is(err, webhook.ErrUnknownSubscription) && !errors.Is(err, webhook.ErrBadClientState) {
			log.Printf("Google notification for channel %s failed: %v", channelID, err)
		}
		w.WriteHeader(http.StatusOK)
	}
}
