package handler

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/bitfantasy/taskhub/internal/crowd/testutil"
)

func (e *crowdEnv) staffToken(t *testing.T) string {
	t.Helper()
	admin := testutil.SeedUser(t, e.DB, "admin", true)
	return testutil.GenerateTestToken(admin.ID, admin.Username, true)
}

func uploadRequest(t *testing.T, path string, fields map[string]string, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	fw, err := mw.CreateFormFile("csv_file", filename)
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	fw.Write([]byte(content))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, path, body string) *http.Request {
	req, _ := http.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	resp := testutil.ParseResponse(w)
	data, ok := resp["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected data object in response: %s", w.Body.String())
	}
	return data
}

func TestAdminRequiresStaff(t *testing.T) {
	env := setupCrowdTest(t)
	worker := testutil.SeedUser(t, env.DB, "alice", false)

	w := testutil.DoRequest(env.Router, "GET", "/api/v1/admin/projects", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}

	token := testutil.GenerateTestToken(worker.ID, worker.Username, false)
	w = testutil.DoRequest(env.Router, "GET", "/api/v1/admin/projects", nil, token)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-staff, got %d", w.Code)
	}

	w = testutil.DoRequest(env.Router, "GET", "/api/v1/admin/projects", nil, env.staffToken(t))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for staff, got %d", w.Code)
	}
}

func TestAdminProjectAndBatchLifecycle(t *testing.T) {
	env := setupCrowdTest(t)
	token := env.staffToken(t)

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/admin/projects", map[string]interface{}{
		"name":          "Sentiment",
		"html_template": testTemplate,
	}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	project := dataOf(t, w)
	projectID := uint(project["id"].(float64))
	if project["login_required"] != true || project["active"] != true {
		t.Errorf("Expected project defaults, got %v", project)
	}

	w = testutil.DoRequest(env.Router, "POST", "/api/v1/admin/projects", map[string]interface{}{"html_template": testTemplate}, token)
	if w.Code != http.StatusBadRequest || dataOf(t, w)["field"] != "name" {
		t.Errorf("Expected name validation error, got %d %s", w.Code, w.Body.String())
	}

	browser := testutil.NewBrowser(env.Router, token)
	w = browser.Do(uploadRequest(t, fmt.Sprintf("/api/v1/admin/projects/%d/batches", projectID),
		map[string]string{"name": "first", "assignments_per_task": "2"},
		"input.csv", "name\nalpha\nbeta\n"))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 for batch upload, got %d: %s", w.Code, w.Body.String())
	}
	created := dataOf(t, w)
	if created["tasks_created"] != float64(2) {
		t.Errorf("Expected 2 tasks created, got %v", created["tasks_created"])
	}
	batchID := uint(created["batch"].(map[string]interface{})["id"].(float64))

	w = browser.Get(fmt.Sprintf("/api/v1/admin/batches/%d/stats", batchID))
	stats := dataOf(t, w)
	if stats["total_tasks"] != float64(2) || stats["total_finished_tasks"] != float64(0) {
		t.Errorf("Unexpected stats: %v", stats)
	}

	w = browser.Do(jsonRequest("POST", fmt.Sprintf("/api/v1/admin/batches/%d/deactivate", batchID), ""))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on deactivate, got %d", w.Code)
	}
	var batch entity.Batch
	env.DB.First(&batch, batchID)
	if batch.Active {
		t.Errorf("Expected batch to be inactive")
	}
	browser.Do(jsonRequest("POST", fmt.Sprintf("/api/v1/admin/batches/%d/activate", batchID), ""))
	env.DB.First(&batch, batchID)
	if !batch.Active {
		t.Errorf("Expected batch to be active again")
	}

	w = browser.Get(fmt.Sprintf("/api/v1/admin/projects/%d/batches", projectID))
	if items := dataOf(t, w)["items"].([]interface{}); len(items) != 1 {
		t.Errorf("Expected 1 batch, got %d", len(items))
	}

	w = browser.Get(fmt.Sprintf("/api/v1/admin/batches/%d/upload", batchID))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 when upload archive is disabled, got %d", w.Code)
	}
}

func TestAdminBatchUploadValidation(t *testing.T) {
	env := setupCrowdTest(t)
	project := testutil.SeedProject(t, env.DB, "Labels", testTemplate, false)
	browser := testutil.NewBrowser(env.Router, env.staffToken(t))
	path := fmt.Sprintf("/api/v1/admin/projects/%d/batches", project.ID)

	w := browser.Do(uploadRequest(t, path, map[string]string{"name": "b"}, "input.csv", "other\nx\n"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	resp := testutil.ParseResponse(w)
	if resp["code"] != float64(40001) || dataOf(t, w)["field"] != "csv_file" {
		t.Errorf("Expected csv_file validation error, got %s", w.Body.String())
	}

	// 未要求登录的项目不允许多次分配
	w = browser.Do(uploadRequest(t, path, map[string]string{"name": "b", "assignments_per_task": "3"}, "input.csv", "name\nx\n"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for redundancy without login, got %d", w.Code)
	}

	w = browser.Do(uploadRequest(t, "/api/v1/admin/projects/999/batches", map[string]string{"name": "b"}, "input.csv", "name\nx\n"))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown project, got %d", w.Code)
	}
}

func TestAdminResultsExport(t *testing.T) {
	env := setupCrowdTest(t)
	project := testutil.SeedProject(t, env.DB, "Labels", testTemplate, true)
	batch, _ := testutil.SeedBatch(t, env.DB, project, 1, map[string]string{"name": "a"})

	worker, _ := env.workerBrowser(t, "alice")
	path := worker.Get(fmt.Sprintf("/batch/%d/accept_next_task", batch.ID)).Header().Get("Location")
	worker.PostForm(path, map[string][]string{"answer": {"yes"}})

	admin := testutil.NewBrowser(env.Router, env.staffToken(t))
	w := admin.Get(fmt.Sprintf("/api/v1/admin/batches/%d/results", batch.ID))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Expected text/csv, got %s", ct)
	}
	want := fmt.Sprintf(`attachment; filename="input-Batch_%d_results.csv"`, batch.ID)
	if cd := w.Header().Get("Content-Disposition"); cd != want {
		t.Errorf("Expected %s, got %s", want, cd)
	}
	body := w.Body.String()
	if !strings.Contains(body, "\r\n") || !strings.Contains(body, `"Input.name"`) || !strings.Contains(body, `"Answer.answer"`) {
		t.Errorf("Unexpected CSV body: %q", body)
	}

	w = admin.Do(jsonRequest("POST", "/api/v1/admin/preferences/csv", `{"unix_line_endings": true}`))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on preference update, got %d", w.Code)
	}
	body = admin.Get(fmt.Sprintf("/api/v1/admin/batches/%d/results", batch.ID)).Body.String()
	if strings.Contains(body, "\r\n") || !strings.Contains(body, "\n") {
		t.Errorf("Expected LF line endings after preference change: %q", body)
	}

	w = admin.Get(fmt.Sprintf("/api/v1/admin/projects/%d/results?format=xlsx", project.ID))
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != xlsxContentType {
		t.Errorf("Expected xlsx export, got %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("PK")) {
		t.Errorf("Expected zip container for xlsx export")
	}

	w = admin.Get("/api/v1/admin/batches/999/results")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown batch, got %d", w.Code)
	}
}

func TestAdminExpireAssignments(t *testing.T) {
	env := setupCrowdTest(t)
	token := env.staffToken(t)

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/admin/assignments/expire", nil, token)
	if w.Code != http.StatusOK || dataOf(t, w)["expired"] != float64(0) {
		t.Errorf("Expected nothing to expire, got %d %s", w.Code, w.Body.String())
	}

	w = testutil.DoRequest(env.Router, "POST", "/api/v1/admin/assignments/expire?batch_id=abc", nil, token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid batch_id, got %d", w.Code)
	}
}

func TestAdminUsersAndWorkers(t *testing.T) {
	env := setupCrowdTest(t)
	token := env.staffToken(t)
	project := testutil.SeedProject(t, env.DB, "Private", testTemplate, true)

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/admin/users", map[string]interface{}{
		"username": "bob", "password": "secret",
	}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	bobID := dataOf(t, w)["id"].(float64)
	if _, leaked := dataOf(t, w)["password_hash"]; leaked {
		t.Errorf("Password hash must not be serialized")
	}

	w = testutil.DoRequest(env.Router, "POST", "/api/v1/admin/users", map[string]interface{}{
		"username": "bob", "password": "other",
	}, token)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate username, got %d", w.Code)
	}

	w = testutil.DoRequest(env.Router, "POST", "/api/v1/admin/users", map[string]interface{}{
		"username": "root", "password": "x", "is_superuser": true,
	}, token)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 when staff creates superuser, got %d", w.Code)
	}

	w = testutil.DoRequest(env.Router, "POST", fmt.Sprintf("/api/v1/admin/projects/%d/workers", project.ID),
		map[string]interface{}{"user_id": bobID}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on grant, got %d: %s", w.Code, w.Body.String())
	}
	w = testutil.DoRequest(env.Router, "GET", fmt.Sprintf("/api/v1/admin/projects/%d/workers", project.ID), nil, token)
	ids := dataOf(t, w)["user_ids"].([]interface{})
	if len(ids) != 1 || ids[0] != bobID {
		t.Errorf("Expected granted worker, got %v", ids)
	}

	w = testutil.DoRequest(env.Router, "DELETE", fmt.Sprintf("/api/v1/admin/projects/%d/workers/%d", project.ID, uint(bobID)), nil, token)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 on revoke, got %d", w.Code)
	}

	w = testutil.DoRequest(env.Router, "GET", "/api/v1/admin/users", nil, token)
	pagination := dataOf(t, w)["pagination"].(map[string]interface{})
	if pagination["total"] != float64(2) {
		t.Errorf("Expected 2 users, got %v", pagination["total"])
	}
}

func TestAPILoginAndMe(t *testing.T) {
	env := setupCrowdTest(t)
	testutil.SeedUser(t, env.DB, "alice", false)

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/auth/login", map[string]string{
		"username": "alice", "password": "wrong",
	}, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad password, got %d", w.Code)
	}

	w = testutil.DoRequest(env.Router, "POST", "/api/v1/auth/login", map[string]string{}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing credentials, got %d", w.Code)
	}

	w = testutil.DoRequest(env.Router, "POST", "/api/v1/auth/login", map[string]string{
		"username": "alice", "password": "password",
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	token, _ := dataOf(t, w)["access_token"].(string)
	if token == "" {
		t.Fatalf("Expected access token")
	}

	w = testutil.DoRequest(env.Router, "GET", "/api/v1/auth/me", nil, token)
	if w.Code != http.StatusOK || dataOf(t, w)["username"] != "alice" {
		t.Errorf("Expected current user, got %d %s", w.Code, w.Body.String())
	}

	w = testutil.DoRequest(env.Router, "GET", "/api/v1/auth/me", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
}
