package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/apitally/apitally-go/internal/config"
	"github.com/apitally/apitally-go/internal/instance"
	"github.com/apitally/apitally-go/internal/model"
	"github.com/apitally/apitally-go/internal/requestlog"
)

const testClientID = "76b5cb91-a0a4-4ea0-a894-57d2b9fcb2c9"

func writeBatch(t *testing.T) string {
	t.Helper()
	rl, err := requestlog.New(requestlog.Options{
		Config: config.RequestLogging{Enabled: true, IncludeQueryParams: true},
		Dir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	rl.Append(&model.LogItem{
		Request:  model.LogRequest{Timestamp: 1700000000, Method: "GET", Path: "/items", URL: "http://example.com/items?page=1"},
		Response: model.LogResponse{StatusCode: 200, ResponseTime: 0.125},
	})
	if err := rl.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	rl.Rotate()
	file := rl.NextFile()
	if file == nil {
		t.Fatal("expected a ready batch file")
	}
	return file.Path()
}

func TestInspectFile(t *testing.T) {
	path := writeBatch(t)

	var out bytes.Buffer
	if err := run([]string{"--file", path}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "http://example.com/items?page=1") || !strings.Contains(text, "125ms") || !strings.Contains(text, "1 items") {
		t.Fatalf("unexpected output:\n%s", text)
	}

	out.Reset()
	if err := run([]string{"--file", path, "--json"}, &out); err != nil {
		t.Fatalf("run json: %v", err)
	}
	if !strings.Contains(out.String(), `"statusCode":200`) {
		t.Fatalf("unexpected json output: %s", out.String())
	}
}

func TestInspectInstances(t *testing.T) {
	dir := t.TempDir()
	lock := instance.Acquire(testClientID, "dev", instance.Options{Dir: dir})
	defer lock.Close()

	var out bytes.Buffer
	if err := run([]string{"--instance", "--client-id", testClientID, "--env", "dev", "--lock-dir", dir}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), lock.UUID().String()) {
		t.Fatalf("expected uuid in output:\n%s", out.String())
	}
}

func TestRunRequiresMode(t *testing.T) {
	if err := run(nil, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error without --file or --instance")
	}
	if err := run([]string{"--instance", "--client-id", ""}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error without client id")
	}
}
