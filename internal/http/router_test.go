package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mikestefanello/backlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlokans/circulation/internal/audit"
	"github.com/mrlokans/circulation/internal/circulation"
	"github.com/mrlokans/circulation/internal/database"
	auditdb "github.com/mrlokans/circulation/internal/database/audit"
	"github.com/mrlokans/circulation/internal/database/dbtest"
	oplogdb "github.com/mrlokans/circulation/internal/database/oplog"
	"github.com/mrlokans/circulation/internal/database/readers"
	"github.com/mrlokans/circulation/internal/entities"
	"github.com/mrlokans/circulation/internal/oplog"
	"github.com/mrlokans/circulation/internal/tasks"
)

type fakeTaskQueue struct {
	mu       sync.Mutex
	enqueued []backlite.Task
	statuses map[string]backlite.TaskStatus
}

func (f *fakeTaskQueue) Enqueue(_ context.Context, task backlite.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, task)
	return fmt.Sprintf("task-%d", len(f.enqueued)), nil
}

func (f *fakeTaskQueue) Status(_ context.Context, taskID string) (backlite.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[taskID]
	if !ok {
		return backlite.TaskStatusNotFound, nil
	}
	return status, nil
}

type testServer struct {
	router     *gin.Engine
	queue      *fakeTaskQueue
	categoryID uint
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := dbtest.New(t)
	journal := oplog.NewJournal(oplogdb.NewRepository(db.DB), oplog.Config{})
	auditRepo := auditdb.NewRepository(db.DB)
	trail := audit.NewTrail(auditRepo, nil, nil, audit.Config{BatchSize: 1})
	t.Cleanup(func() { _ = trail.Close(context.Background()) })

	svc := circulation.NewService(db.DB, journal, trail, circulation.DefaultConfig())
	category, err := readers.NewRepository(db.DB).CategoryByCode(context.Background(), database.DefaultReaderCategory.Code)
	require.NoError(t, err)

	queue := &fakeTaskQueue{statuses: map[string]backlite.TaskStatus{}}
	router := NewRouter(RouterConfig{
		Loans:          svc,
		Catalog:        svc,
		Books:          svc.Books(),
		Readers:        svc.Readers(),
		LoanRecords:    svc.LoanRecords(),
		Audit:          audit.NewService(auditRepo),
		Operations:     journal,
		TaskQueue:      queue,
		Database:       db,
		Version:        "test",
		MetricsEnabled: true,
	})
	return &testServer{router: router, queue: queue, categoryID: category.ID}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) addBook(t *testing.T, copies int64) entities.Book {
	t.Helper()
	w := s.do(t, "POST", "/api/books", gin.H{
		"isbn":           "9780131103627",
		"title":          "The C Programming Language",
		"author":         "Kernighan",
		"price":          "45.00",
		"total_quantity": copies,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[entities.Book](t, w)
}

func (s *testServer) addReader(t *testing.T, no string) entities.Reader {
	t.Helper()
	w := s.do(t, "POST", "/api/readers", gin.H{
		"reader_no":   no,
		"name":        "Reader " + no,
		"category_id": s.categoryID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[entities.Reader](t, w)
}

func TestLoanLifecycle(t *testing.T) {
	s := newTestServer(t)
	book := s.addBook(t, 1)
	alice := s.addReader(t, "R100")
	bob := s.addReader(t, "R101")

	w := s.do(t, "POST", "/api/loans", gin.H{"reader_id": alice.ID, "book_id": book.ID}, HeaderActorID, "7")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	loan := decode[entities.BorrowingRecord](t, w)
	assert.Equal(t, entities.BorrowingStatusBorrowed, loan.Status)

	w = s.do(t, "POST", "/api/loans", gin.H{"reader_id": bob.ID, "book_id": book.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, CodeStockUnavailable, decode[ErrorResponse](t, w).Code)

	w = s.do(t, "POST", fmt.Sprintf("/api/loans/%d/renew", loan.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[entities.BorrowingRecord](t, w).RenewalCount)

	w = s.do(t, "POST", fmt.Sprintf("/api/loans/%d/return", loan.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	returned := decode[entities.BorrowingRecord](t, w)
	assert.Equal(t, entities.BorrowingStatusReturned, returned.Status)
	assert.True(t, returned.FineAmount.IsZero())

	w = s.do(t, "POST", fmt.Sprintf("/api/loans/%d/return", loan.ID), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, "GET", fmt.Sprintf("/api/books/%d", book.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[entities.Book](t, w).AvailableQuantity)

	w = s.do(t, "GET", fmt.Sprintf("/api/loans?reader_id=%d", alice.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[PaginatedResponse](t, w).Total)

	w = s.do(t, "GET", fmt.Sprintf("/api/readers/%d/loans", bob.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), decode[PaginatedResponse](t, w).Total)

	w = s.do(t, "GET", "/api/loans/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]any](t, w)
	assert.Equal(t, float64(1), stats["total"])
	assert.Equal(t, float64(0), stats["open"])
	assert.Equal(t, "0.00", stats["total_fines"])

	w = s.do(t, "GET", "/api/audit?action=BORROW", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Data  []entities.AuditLog `json:"data"`
		Total int64               `json:"total"`
	}](t, w)
	require.Equal(t, int64(1), page.Total)
	require.NotNil(t, page.Data[0].UserID)
	assert.Equal(t, uint(7), *page.Data[0].UserID)

	w = s.do(t, "GET", "/api/audit/users/7/stats?days=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["total_actions"])

	w = s.do(t, "GET", "/api/audit/overview", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoanErrors(t *testing.T) {
	s := newTestServer(t)
	book := s.addBook(t, 1)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"missing fields", "POST", "/api/loans", gin.H{"reader_id": 1}, http.StatusBadRequest},
		{"unknown reader", "POST", "/api/loans", gin.H{"reader_id": 999, "book_id": book.ID}, http.StatusBadRequest},
		{"unknown loan", "POST", "/api/loans/999/return", nil, http.StatusNotFound},
		{"bad loan id", "POST", "/api/loans/abc/renew", nil, http.StatusBadRequest},
		{"bad status filter", "GET", "/api/loans?status=missing", nil, http.StatusBadRequest},
		{"unknown book", "GET", "/api/books/999", nil, http.StatusNotFound},
		{"zero copies delta", "POST", fmt.Sprintf("/api/books/%d/copies", book.ID), gin.H{"delta": 0}, http.StatusBadRequest},
		{"unknown book status", "PATCH", fmt.Sprintf("/api/books/%d/status", book.ID), gin.H{"status": "burnt"}, http.StatusBadRequest},
		{"unknown route", "GET", "/api/nothing", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestCatalogUpdates(t *testing.T) {
	s := newTestServer(t)
	book := s.addBook(t, 2)

	w := s.do(t, "POST", fmt.Sprintf("/api/books/%d/copies", book.ID), gin.H{"delta": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[entities.Book](t, w)
	assert.Equal(t, int64(5), updated.TotalQuantity)
	assert.Equal(t, int64(5), updated.AvailableQuantity)

	w = s.do(t, "POST", fmt.Sprintf("/api/books/%d/copies", book.ID), gin.H{"delta": -9})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, "PATCH", fmt.Sprintf("/api/books/%d/status", book.ID), gin.H{"status": "damaged"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, entities.BookStatusDamaged, decode[entities.Book](t, w).Status)

	reader := s.addReader(t, "R200")
	w = s.do(t, "POST", "/api/loans", gin.H{"reader_id": reader.ID, "book_id": book.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, CodeBusinessRule, decode[ErrorResponse](t, w).Code)
}

func TestArchiveRoutes(t *testing.T) {
	s := newTestServer(t)
	book := s.addBook(t, 1)
	spare := s.addBook(t, 1)
	reader := s.addReader(t, "R300")

	w := s.do(t, "DELETE", fmt.Sprintf("/api/books/%d?reason=damaged", spare.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "DELETE", fmt.Sprintf("/api/books/%d", spare.ID), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, "GET", "/api/books/deleted", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[PaginatedResponse](t, w).Total)

	w = s.do(t, "GET", fmt.Sprintf("/api/books/%d", spare.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "POST", fmt.Sprintf("/api/books/%d/restore", spare.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "POST", "/api/loans", gin.H{"reader_id": reader.ID, "book_id": book.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	loan := decode[entities.BorrowingRecord](t, w)

	w = s.do(t, "DELETE", fmt.Sprintf("/api/books/%d/purge", book.ID), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, "DELETE", fmt.Sprintf("/api/loans/%d", loan.ID), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, "POST", fmt.Sprintf("/api/loans/%d/return", loan.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "DELETE", fmt.Sprintf("/api/loans/%d?reason=duplicate", loan.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "GET", "/api/loans/deleted", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[PaginatedResponse](t, w).Total)

	w = s.do(t, "DELETE", fmt.Sprintf("/api/books/%d/purge", spare.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "DELETE", fmt.Sprintf("/api/books/%d/purge", spare.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	other := s.addReader(t, "R301")
	w = s.do(t, "POST", "/api/readers/batch-delete", gin.H{"ids": []uint{other.ID, 999}, "reason": "moved away"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decode[SuccessResponse](t, w).Data.(map[string]any)["deleted"])

	w = s.do(t, "POST", "/api/readers/batch-delete", gin.H{"ids": []uint{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOperationRoutes(t *testing.T) {
	s := newTestServer(t)
	s.addBook(t, 1)

	w := s.do(t, "GET", "/api/operations?status=committed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Data  []entities.OperationLog `json:"data"`
		Total int64                   `json:"total"`
	}](t, w)
	require.Equal(t, int64(1), page.Total)

	opID := page.Data[0].OperationID
	w = s.do(t, "GET", "/api/operations/"+opID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entities.OperationCommitted, decode[entities.OperationLog](t, w).Status)

	w = s.do(t, "GET", "/api/operations/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskRoutes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/api/tasks/types", nil)
	require.Equal(t, http.StatusOK, w.Code)
	types := decode[map[string][]TaskTypeInfo](t, w)["task_types"]
	assert.Len(t, types, len(tasks.Descriptions))

	w = s.do(t, "POST", "/api/tasks/"+tasks.QueueCleanupAuditLogs+"/run", gin.H{"retention_days": 90})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, s.queue.enqueued, 1)
	assert.Equal(t, tasks.CleanupAuditLogsTask{RetentionDays: 90}, s.queue.enqueued[0])

	w = s.do(t, "POST", "/api/tasks/"+tasks.QueueRecoverOperations+"/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = s.do(t, "POST", "/api/tasks/enrich_book/run", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "POST", "/api/tasks/"+tasks.QueueCleanupAuditLogs+"/run", gin.H{"retention_days": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.queue.statuses["task-1"] = backlite.TaskStatusSuccess
	w = s.do(t, "GET", "/api/tasks/task-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", decode[map[string]string](t, w)["status"])

	w = s.do(t, "GET", "/api/tasks/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsAndHealthRoutes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "circulation_")

	w = s.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouteGroupsAreOptional(t *testing.T) {
	router := NewRouter(RouterConfig{})

	for _, path := range []string{"/api/loans", "/api/tasks/types", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}
