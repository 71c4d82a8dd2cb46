package emulator

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func createScript(t *testing.T, e *Emulator, name string) *Script {
	t.Helper()
	scope := decodeList[Scope](t, do(t, e, http.MethodGet, "/api/v3/scopes.json?name=Bike%20Project", testToken, nil)).Results[0]
	w := do(t, e, http.MethodPost, "/api/services.json", testToken, ScriptSpec{Name: name, ScopeID: scope.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	return decodeList[*Script](t, w).Results[0]
}

func uploadScript(t *testing.T, e *Emulator, id, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("attachment", name)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/services/"+id+"/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	e.Handler().ServeHTTP(w, req)
	return w
}

func pollExecution(t *testing.T, e *Emulator, id string) Execution {
	t.Helper()
	w := do(t, e, http.MethodGet, "/api/service_executions/"+id+".json", testToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("poll status = %d, body = %s", w.Code, w.Body.String())
	}
	return decodeList[Execution](t, w).Results[0]
}

func TestScriptUploadAndDownload(t *testing.T) {
	e := testEmulator(t, nil)
	sc := createScript(t, e, "Compute weight")
	if sc.ScriptType != ScriptPython || sc.RunAs != "kenode" {
		t.Errorf("defaults = %+v", sc)
	}

	if w := do(t, e, http.MethodGet, "/api/services/"+sc.ID+"/download", testToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("download without script status = %d, want 404", w.Code)
	}
	w := uploadScript(t, e, sc.ID, "weight.py", "print('ok')\n")
	if w.Code != http.StatusAccepted {
		t.Fatalf("upload status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decodeList[Script](t, w).Results[0].Filename; got != "weight.py" {
		t.Errorf("filename = %q", got)
	}
	w = do(t, e, http.MethodGet, "/api/services/"+sc.ID+"/download", testToken, nil)
	if w.Code != http.StatusOK || w.Body.String() != "print('ok')\n" {
		t.Errorf("download status = %d, body = %q", w.Code, w.Body.String())
	}
}

func TestExecuteScript(t *testing.T) {
	e := testEmulator(t, func(c *Config) { c.ExecutionPendingPolls = 1 })
	sc := createScript(t, e, "Compute weight")

	if w := do(t, e, http.MethodGet, "/api/services/"+sc.ID+"/execute", testToken, nil); w.Code != http.StatusBadRequest {
		t.Errorf("execute without script status = %d, want 400", w.Code)
	}
	uploadScript(t, e, sc.ID, "weight.py", "print('ok')\n")

	w := do(t, e, http.MethodGet, "/api/services/"+sc.ID+"/execute", testToken, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("execute status = %d, body = %s", w.Code, w.Body.String())
	}
	x := decodeList[Execution](t, w).Results[0]
	if x.Status != ExecutionRunning || x.Username != "admin" || x.ServiceName != "Compute weight" {
		t.Errorf("execution = %+v", x)
	}
	if w := do(t, e, http.MethodGet, "/api/services/"+sc.ID+"/execute", testToken, nil); w.Code != http.StatusConflict {
		t.Errorf("second execute status = %d, want 409", w.Code)
	}

	if got := pollExecution(t, e, x.ID); got.Status != ExecutionRunning {
		t.Errorf("first poll = %s", got.Status)
	}
	done := pollExecution(t, e, x.ID)
	if done.Status != ExecutionCompleted || done.FinishedAt == nil {
		t.Errorf("second poll = %+v", done)
	}

	w = do(t, e, http.MethodGet, "/api/service_executions/"+x.ID+"/log", testToken, nil)
	if !strings.Contains(w.Body.String(), "exit code 0") {
		t.Errorf("log = %q", w.Body.String())
	}
	if w := do(t, e, http.MethodGet, "/api/service_executions/"+x.ID+"/terminate", testToken, nil); w.Code != http.StatusConflict {
		t.Errorf("terminate finished status = %d, want 409", w.Code)
	}

	q := url.Values{"service": {sc.ID}, "status": {ExecutionCompleted}}
	res := decodeList[Execution](t, do(t, e, http.MethodGet, "/api/service_executions.json?"+q.Encode(), testToken, nil))
	if len(res.Results) != 1 {
		t.Errorf("executions = %+v", res.Results)
	}
}

func TestFailingScriptAndTerminate(t *testing.T) {
	e := testEmulator(t, func(c *Config) { c.ExecutionPendingPolls = 0 })
	sc := createScript(t, e, "Broken")
	uploadScript(t, e, sc.ID, "broken.py", "import sys\nsys.exit(1)\n")

	x := decodeList[Execution](t, do(t, e, http.MethodGet, "/api/services/"+sc.ID+"/execute", testToken, nil)).Results[0]
	if got := pollExecution(t, e, x.ID); got.Status != ExecutionFailed {
		t.Errorf("status = %s, want %s", got.Status, ExecutionFailed)
	}

	e = testEmulator(t, func(c *Config) { c.ExecutionPendingPolls = -1 })
	sc = createScript(t, e, "Endless")
	uploadScript(t, e, sc.ID, "loop.py", "while True: pass\n")
	x = decodeList[Execution](t, do(t, e, http.MethodGet, "/api/services/"+sc.ID+"/execute", testToken, nil)).Results[0]
	w := do(t, e, http.MethodGet, "/api/service_executions/"+x.ID+"/terminate", testToken, nil)
	if w.Code != http.StatusAccepted || decodeList[Execution](t, w).Results[0].Status != ExecutionTerminated {
		t.Errorf("terminate status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestDeleteScriptDropsExecutions(t *testing.T) {
	e := testEmulator(t, nil)
	sc := createScript(t, e, "Compute weight")
	uploadScript(t, e, sc.ID, "weight.py", "print('ok')\n")
	x := decodeList[Execution](t, do(t, e, http.MethodGet, "/api/services/"+sc.ID+"/execute", testToken, nil)).Results[0]

	if w := do(t, e, http.MethodDelete, "/api/services/"+sc.ID+".json", testToken, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := do(t, e, http.MethodGet, "/api/service_executions/"+x.ID+".json", testToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("execution after delete status = %d, want 404", w.Code)
	}
}
