package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"courier/internal/domain"
	"courier/internal/repository"
	"courier/internal/service"
	"courier/internal/transport"
)

type stubNotificationService struct {
	createFn        func(ctx context.Context, params service.CreateParams) (*service.CreateResult, error)
	getByIDFn       func(ctx context.Context, id string) (*domain.Notification, error)
	attemptsFn      func(ctx context.Context, id string) ([]domain.DeliveryAttempt, error)
	listFn          func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	countByStatusFn func(ctx context.Context) (map[domain.Status]int64, error)
	cancelFn        func(ctx context.Context, id string) (*service.CancellationResult, error)
	deleteFn        func(ctx context.Context, id string) error
	bulkDeleteFn    func(ctx context.Context, filter repository.DeleteFilter) (*service.BulkDeleteResult, error)
}

func (s *stubNotificationService) Create(ctx context.Context, params service.CreateParams) (*service.CreateResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, params)
	}
	return nil, errors.New("not implemented")
}

func (s *stubNotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubNotificationService) Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	if s.attemptsFn != nil {
		return s.attemptsFn(ctx, id)
	}
	return nil, nil
}

func (s *stubNotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Notification, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubNotificationService) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	if s.countByStatusFn != nil {
		return s.countByStatusFn(ctx)
	}
	return map[domain.Status]int64{}, nil
}

func (s *stubNotificationService) Cancel(ctx context.Context, id string) (*service.CancellationResult, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubNotificationService) Delete(ctx context.Context, id string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, id)
	}
	return domain.ErrNotFound
}

func (s *stubNotificationService) BulkDelete(ctx context.Context, filter repository.DeleteFilter) (*service.BulkDeleteResult, error) {
	if s.bulkDeleteFn != nil {
		return s.bulkDeleteFn(ctx, filter)
	}
	return nil, errors.New("not implemented")
}

func newNotificationTestApp(t *testing.T, svc NotificationService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterNotificationRoutes(app, svc); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error = %v", err)
	}
	return resp, raw
}

func TestCreateNotificationEndpoint(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		createFn: func(ctx context.Context, params service.CreateParams) (*service.CreateResult, error) {
			if params.Title != "sale" || params.ScheduledAt != "2026-09-15 10:00:00" {
				return nil, fmt.Errorf("unexpected params: %+v", params)
			}
			return &service.CreateResult{
				Notification: &domain.Notification{
					ID:          "n-created",
					Title:       params.Title,
					Body:        params.Body,
					Status:      domain.StatusScheduled,
					Priority:    domain.PriorityNormal,
					ScheduledAt: time.Date(2026, 9, 15, 7, 0, 0, 0, time.UTC),
				},
				DeviceCount:   3,
				JobsSubmitted: 3,
				LocalDisplay:  "2026-09-15 10:00:00 +03",
			}, nil
		},
	}

	app := newNotificationTestApp(t, svc)

	body := `{"title":"sale","body":"half off","scheduledAt":"2026-09-15 10:00:00"}`
	resp, raw := performRequest(t, app, http.MethodPost, "/v1/notifications", body)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(raw))
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["id"] != "n-created" {
		t.Fatalf("id = %v, want n-created", parsed["id"])
	}
	if parsed["status"] != domain.StatusScheduled.String() {
		t.Fatalf("status = %v, want SCHEDULED", parsed["status"])
	}
	if parsed["scheduledAtLocal"] != "2026-09-15 10:00:00 +03" {
		t.Fatalf("scheduledAtLocal = %v, want local display", parsed["scheduledAtLocal"])
	}
	if parsed["jobsSubmitted"] != float64(3) {
		t.Fatalf("jobsSubmitted = %v, want 3", parsed["jobsSubmitted"])
	}
}

func TestCreateNotificationEndpointValidation(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		createFn: func(ctx context.Context, params service.CreateParams) (*service.CreateResult, error) {
			t.Fatal("service must not be reached for invalid payloads")
			return nil, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing title", body: `{"body":"b","scheduledAt":"2026-09-15 10:00:00"}`},
		{name: "missing body", body: `{"title":"t","scheduledAt":"2026-09-15 10:00:00"}`},
		{name: "bad priority", body: `{"title":"t","body":"b","scheduledAt":"2026-09-15 10:00:00","priority":"urgent"}`},
		{
			name: "title over limit",
			body: fmt.Sprintf(`{"title":"%s","body":"b","scheduledAt":"2026-09-15 10:00:00"}`, strings.Repeat("a", domain.MaxTitleLength+1)),
		},
		{name: "malformed json", body: `{"title":`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, raw := performRequest(t, app, http.MethodPost, "/v1/notifications", tt.body)
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body=%s", resp.StatusCode, string(raw))
			}
		})
	}
}

func TestCreateNotificationEndpointPastSchedule(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		createFn: func(ctx context.Context, params service.CreateParams) (*service.CreateResult, error) {
			return nil, fmt.Errorf("%w: scheduled time is in the past", domain.ErrScheduling)
		},
	}
	app := newNotificationTestApp(t, svc)

	body := `{"title":"t","body":"b","scheduledAt":"2020-01-01 10:00:00"}`
	resp, _ := performRequest(t, app, http.MethodPost, "/v1/notifications", body)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for past schedule", resp.StatusCode)
	}
}

func TestGetNotificationEndpoint(t *testing.T) {
	t.Parallel()

	reason := "rejected by gateway"
	code := 200
	svc := &stubNotificationService{
		getByIDFn: func(ctx context.Context, id string) (*domain.Notification, error) {
			return &domain.Notification{ID: id, Title: "t", Body: "b", Status: domain.StatusFailed, Priority: domain.PriorityHigh}, nil
		},
		attemptsFn: func(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
			return []domain.DeliveryAttempt{
				{ID: "a1", NotificationID: id, DeviceID: "d1", AttemptNumber: 1, StatusCode: &code, Reason: &reason},
			}, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	resp, raw := performRequest(t, app, http.MethodGet, "/v1/notifications/n1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		ID       string `json:"id"`
		Attempts []struct {
			DeviceID      string `json:"deviceId"`
			AttemptNumber int    `json:"attemptNumber"`
			Reason        string `json:"reason"`
		} `json:"attempts"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.ID != "n1" {
		t.Fatalf("id = %q, want n1", parsed.ID)
	}
	if len(parsed.Attempts) != 1 || parsed.Attempts[0].DeviceID != "d1" || parsed.Attempts[0].Reason != reason {
		t.Fatalf("attempts = %+v, want the recorded delivery attempt", parsed.Attempts)
	}
}

func TestGetNotificationEndpointNotFound(t *testing.T) {
	t.Parallel()

	app := newNotificationTestApp(t, &stubNotificationService{})

	resp, _ := performRequest(t, app, http.MethodGet, "/v1/notifications/ghost", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelNotificationEndpoint(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		cancelFn: func(ctx context.Context, id string) (*service.CancellationResult, error) {
			return &service.CancellationResult{
				Notification: &domain.Notification{ID: id, Status: domain.StatusCancelled},
				JobsRemoved:  4,
			}, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	resp, raw := performRequest(t, app, http.MethodPost, "/v1/notifications/n1/cancel", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(raw))
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["status"] != domain.StatusCancelled.String() {
		t.Fatalf("status = %v, want CANCELLED", parsed["status"])
	}
	if parsed["jobsRemoved"] != float64(4) {
		t.Fatalf("jobsRemoved = %v, want 4", parsed["jobsRemoved"])
	}
}

func TestCancelNotificationEndpointConflict(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		cancelFn: func(ctx context.Context, id string) (*service.CancellationResult, error) {
			return nil, fmt.Errorf("%w: notification is already SENT", domain.ErrConflict)
		},
	}
	app := newNotificationTestApp(t, svc)

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/notifications/n1/cancel", "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestDeleteNotificationEndpoint(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		deleteFn: func(ctx context.Context, id string) error { return nil },
	}
	app := newNotificationTestApp(t, svc)

	resp, _ := performRequest(t, app, http.MethodDelete, "/v1/notifications/n1", "")
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}

func TestBulkDeleteEndpoint(t *testing.T) {
	t.Parallel()

	var gotFilter repository.DeleteFilter
	svc := &stubNotificationService{
		bulkDeleteFn: func(ctx context.Context, filter repository.DeleteFilter) (*service.BulkDeleteResult, error) {
			gotFilter = filter
			return &service.BulkDeleteResult{Deleted: 5, JobsRemoved: 2}, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	body := `{"status":"cancelled","olderThan":"2026-01-01T00:00:00Z"}`
	resp, raw := performRequest(t, app, http.MethodDelete, "/v1/notifications", body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(raw))
	}

	if gotFilter.Status == nil || *gotFilter.Status != domain.StatusCancelled {
		t.Fatalf("filter status = %v, want CANCELLED", gotFilter.Status)
	}
	if gotFilter.OlderThan == nil {
		t.Fatal("filter olderThan should be parsed")
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["deleted"] != float64(5) || parsed["jobsRemoved"] != float64(2) {
		t.Fatalf("body = %v, want deleted=5 jobsRemoved=2", parsed)
	}
}

func TestBulkDeleteEndpointBadFilter(t *testing.T) {
	t.Parallel()

	app := newNotificationTestApp(t, &stubNotificationService{})

	resp, _ := performRequest(t, app, http.MethodDelete, "/v1/notifications", `{"status":"bogus"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown status", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodDelete, "/v1/notifications", `{"olderThan":"yesterday"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for non-RFC3339 olderThan", resp.StatusCode)
	}
}

func TestListNotificationsEndpoint(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		listFn: func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
			if params.Status == nil || *params.Status != domain.StatusScheduled {
				t.Fatalf("status filter = %v, want SCHEDULED", params.Status)
			}
			if params.Category == nil || *params.Category != "marketing" {
				t.Fatalf("category filter = %v, want marketing", params.Category)
			}
			if params.From == nil || params.To == nil {
				t.Fatal("from/to filters should be parsed")
			}
			return []domain.Notification{
				{ID: "n1", Status: domain.StatusScheduled, Priority: domain.PriorityNormal},
			}, 1, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	path := "/v1/notifications?status=scheduled&category=marketing&from=2026-09-01T00:00:00Z&to=2026-10-01T00:00:00Z&page=1&pageSize=10"
	resp, raw := performRequest(t, app, http.MethodGet, path, "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(raw))
	}

	var parsed listNotificationsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(parsed.Data) != 1 || parsed.Data[0].ID != "n1" {
		t.Fatalf("data = %+v, want the one record", parsed.Data)
	}
	if parsed.Meta.Total != 1 || parsed.Meta.PageSize != 10 {
		t.Fatalf("meta = %+v, want total=1 pageSize=10", parsed.Meta)
	}
}

func TestListNotificationsEndpointRejectsBadQuery(t *testing.T) {
	t.Parallel()

	app := newNotificationTestApp(t, &stubNotificationService{})

	paths := []string{
		"/v1/notifications?page=0",
		"/v1/notifications?pageSize=500",
		"/v1/notifications?status=bogus",
		"/v1/notifications?from=not-a-time",
	}
	for _, path := range paths {
		resp, _ := performRequest(t, app, http.MethodGet, path, "")
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("GET %s status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestStatusCountsEndpoint(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		countByStatusFn: func(ctx context.Context) (map[domain.Status]int64, error) {
			return map[domain.Status]int64{
				domain.StatusScheduled: 2,
				domain.StatusSent:      10,
				domain.StatusFailed:    1,
				domain.StatusCancelled: 0,
			}, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	resp, raw := performRequest(t, app, http.MethodGet, "/v1/notifications/counts", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		Counts map[string]int64 `json:"counts"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Counts["SENT"] != 10 {
		t.Fatalf("SENT = %d, want 10", parsed.Counts["SENT"])
	}
	if count, ok := parsed.Counts["CANCELLED"]; !ok || count != 0 {
		t.Fatalf("CANCELLED = %d (present %v), want explicit zero", count, ok)
	}
}
