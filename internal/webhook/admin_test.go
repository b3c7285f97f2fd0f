package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/perimetra/perimetra/internal/models"
)

func TestCreateWebhook_Validation(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, testConfig())
	owner := uuid.New()

	valid := CreateWebhookRequest{
		Name:      "alerts",
		TargetURL: "https://example.com/hooks/alerts",
		Secret:    testSecret,
		Events:    []models.EventType{models.EventGeofenceEnter},
	}

	tests := []struct {
		name    string
		mutate  func(*CreateWebhookRequest)
		wantErr error
	}{
		{"http scheme rejected", func(r *CreateWebhookRequest) { r.TargetURL = "http://example.com/hook" }, ErrInvalidTargetURL},
		{"garbage url rejected", func(r *CreateWebhookRequest) { r.TargetURL = "://nope" }, ErrInvalidTargetURL},
		{"missing host rejected", func(r *CreateWebhookRequest) { r.TargetURL = "https://" }, ErrInvalidTargetURL},
		{"short secret rejected", func(r *CreateWebhookRequest) { r.Secret = "short" }, ErrInvalidSecret},
		{"long secret rejected", func(r *CreateWebhookRequest) { r.Secret = strings.Repeat("s", 257) }, ErrInvalidSecret},
		{"no events rejected", func(r *CreateWebhookRequest) { r.Events = nil }, ErrNoEventTypes},
		{"unknown event rejected", func(r *CreateWebhookRequest) {
			r.Events = []models.EventType{"device.exploded"}
		}, ErrUnknownEventType},
		{"test event not subscribable", func(r *CreateWebhookRequest) {
			r.Events = []models.EventType{models.EventWebhookTest}
		}, ErrUnknownEventType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := svc.CreateWebhook(context.Background(), owner, &req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	hook, err := svc.CreateWebhook(context.Background(), owner, &valid)
	if err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}
	if !hook.Enabled {
		t.Errorf("Webhooks must default to enabled")
	}
	if hook.ConsecutiveFailures != 0 {
		t.Errorf("New webhook must start with a zero failure counter")
	}
}

func TestWebhook_SecretNeverSerialized(t *testing.T) {
	hook := &models.Webhook{
		ID: uuid.New(), OwnerID: uuid.New(), Name: "alerts",
		TargetURL: "https://example.com/hook", Secret: testSecret,
		Enabled: true, Events: []models.EventType{models.EventGeofenceEnter},
	}

	data, err := json.Marshal(hook)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), testSecret) {
		t.Errorf("Webhook secret leaked into JSON: %s", data)
	}
}

func TestGetWebhook_OwnerScoping(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, testConfig())
	owner := uuid.New()
	stranger := uuid.New()

	hook := repo.addHook(&models.Webhook{
		OwnerID: owner, Name: "mine", TargetURL: "https://example.com/hook",
		Secret: testSecret, Enabled: true,
	})

	if _, err := svc.GetWebhook(context.Background(), owner, hook.ID); err != nil {
		t.Errorf("Owner must see their webhook: %v", err)
	}

	// Cross-tenant access reads as absence, not as forbidden.
	if _, err := svc.GetWebhook(context.Background(), stranger, hook.ID); !errors.Is(err, ErrWebhookNotFound) {
		t.Errorf("Expected ErrWebhookNotFound for foreign owner, got %v", err)
	}
	if _, err := svc.GetWebhook(context.Background(), owner, uuid.New()); !errors.Is(err, ErrWebhookNotFound) {
		t.Errorf("Expected ErrWebhookNotFound for unknown id, got %v", err)
	}
}

func TestUpdateWebhook_PartialUpdate(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, testConfig())
	owner := uuid.New()

	hook := repo.addHook(&models.Webhook{
		OwnerID: owner, Name: "old-name", TargetURL: "https://example.com/hook",
		Secret: testSecret, Enabled: true,
		Events: []models.EventType{models.EventGeofenceEnter},
	})

	newName := "new-name"
	disabled := false
	updated, err := svc.UpdateWebhook(context.Background(), owner, hook.ID, &UpdateWebhookRequest{
		Name:    &newName,
		Enabled: &disabled,
	})
	if err != nil {
		t.Fatalf("UpdateWebhook failed: %v", err)
	}

	if updated.Name != newName {
		t.Errorf("Expected name %s, got %s", newName, updated.Name)
	}
	if updated.Enabled {
		t.Errorf("Expected webhook disabled")
	}
	// Untouched fields survive.
	if updated.TargetURL != "https://example.com/hook" {
		t.Errorf("Target URL must be unchanged, got %s", updated.TargetURL)
	}
	if len(updated.Events) != 1 || updated.Events[0] != models.EventGeofenceEnter {
		t.Errorf("Events must be unchanged, got %v", updated.Events)
	}

	badURL := "http://plaintext.example.com"
	if _, err := svc.UpdateWebhook(context.Background(), owner, hook.ID, &UpdateWebhookRequest{
		TargetURL: &badURL,
	}); !errors.Is(err, ErrInvalidTargetURL) {
		t.Errorf("Expected ErrInvalidTargetURL, got %v", err)
	}
}

func TestDeleteWebhook_RemovesDeliveries(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, testConfig())
	owner := uuid.New()

	hook := repo.addHook(&models.Webhook{
		OwnerID: owner, Name: "hook", TargetURL: "https://example.com/hook",
		Secret: testSecret, Enabled: true,
	})
	seedPendingRetry(repo, hook.ID, nil, 1)

	if err := svc.DeleteWebhook(context.Background(), owner, hook.ID); err != nil {
		t.Fatalf("DeleteWebhook failed: %v", err)
	}
	if len(repo.deliveries) != 0 {
		t.Errorf("Deleting a webhook must remove its deliveries")
	}

	if err := svc.DeleteWebhook(context.Background(), owner, hook.ID); !errors.Is(err, ErrWebhookNotFound) {
		t.Errorf("Expected ErrWebhookNotFound on double delete, got %v", err)
	}
}

func TestSendTestDelivery(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, testConfig())
	owner := uuid.New()

	srv, reqs := newEndpoint(t, http.StatusOK)
	hook := repo.addHook(&models.Webhook{
		OwnerID: owner, Name: "hook", TargetURL: srv.URL, Secret: testSecret,
		Enabled: true, Events: []models.EventType{models.EventGeofenceEnter},
	})

	delivery, err := svc.SendTestDelivery(context.Background(), owner, hook.ID)
	if err != nil {
		t.Fatalf("SendTestDelivery failed: %v", err)
	}

	if delivery.Status != models.DeliveryStatusSuccess {
		t.Errorf("Expected success, got %s", delivery.Status)
	}
	if delivery.EventID != nil {
		t.Errorf("Test deliveries carry no originating event")
	}
	if delivery.EventType != models.EventWebhookTest {
		t.Errorf("Expected %s, got %s", models.EventWebhookTest, delivery.EventType)
	}
	if delivery.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", delivery.Attempts)
	}

	if len(*reqs) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(*reqs))
	}
	var body struct {
		EventType string `json:"event_type"`
		WebhookID string `json:"webhook_id"`
	}
	if err := json.Unmarshal((*reqs)[0].body, &body); err != nil {
		t.Fatalf("Test payload is not valid JSON: %v", err)
	}
	if body.EventType != string(models.EventWebhookTest) {
		t.Errorf("Expected event_type %s, got %s", models.EventWebhookTest, body.EventType)
	}
	if body.WebhookID != hook.ID.String() {
		t.Errorf("Expected webhook_id %s, got %s", hook.ID, body.WebhookID)
	}

	wantSig, _ := Sign((*reqs)[0].body, testSecret)
	if (*reqs)[0].signature != wantSig {
		t.Errorf("Test delivery signature must verify against the sent body")
	}
}

func TestSendTestDelivery_ForeignWebhook(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, testConfig())

	hook := repo.addHook(&models.Webhook{
		OwnerID: uuid.New(), Name: "hook", TargetURL: "https://example.com/hook",
		Secret: testSecret, Enabled: true,
	})

	if _, err := svc.SendTestDelivery(context.Background(), uuid.New(), hook.ID); !errors.Is(err, ErrWebhookNotFound) {
		t.Errorf("Expected ErrWebhookNotFound, got %v", err)
	}
}
