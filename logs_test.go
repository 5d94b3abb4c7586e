package luffybot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadLogTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.log")
	var lines []string
	for i := 1; i <= 100; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := ReadLogTail(path, 5, 0)
	if !strings.HasPrefix(out, "line 96") || !strings.HasSuffix(out, "line 100") {
		t.Fatalf("tail = %q", out)
	}

	if out := ReadLogTail(filepath.Join(dir, "ghost.log"), 5, 0); out != "Log introuvable." {
		t.Fatalf("missing log message = %q", out)
	}
}

func TestReadLogTailCharCapIsTailBiased(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.log")
	if err := os.WriteFile(path, []byte("AAAA\nBBBB\nCCCC\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := ReadLogTail(path, 10, 6)
	if !strings.HasSuffix(out, "CCCC") || len(out) > 6 {
		t.Fatalf("capped tail = %q", out)
	}
}

func TestReadLogTailRedacts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.log")
	if err := os.WriteFile(path, []byte("starting\nTOKEN=hunter2\ndone\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := ReadLogTail(path, 10, 0)
	if !strings.Contains(out, "TOKEN=[REDACTED]hunter2") {
		t.Fatalf("tail not redacted: %q", out)
	}
}

func TestSearchRunLogs(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	logPath := filepath.Join(t.TempDir(), "run_x.log")
	if err := os.WriteFile(logPath, []byte("ok line\nERROR: boom here\nTOKEN=abc failed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := te.store.InsertRun(ctx, RunInsert{ScriptKey: "welcome", StartedAt: UTCNowISO(), LogPath: logPath})
	if err != nil {
		t.Fatal(err)
	}

	out, err := te.engine.SearchRunLogs(ctx, "BOOM", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("#%d welcome | ERROR: boom here", id)
	if out != want {
		t.Fatalf("search = %q, want %q", out, want)
	}

	out, err = te.engine.SearchRunLogs(ctx, "token=abc", 10)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "TOKEN=abc") {
		t.Fatalf("match leaked secret: %q", out)
	}

	if out, _ := te.engine.SearchRunLogs(ctx, "   ", 10); out != "Pattern vide." {
		t.Fatalf("blank pattern = %q", out)
	}
	if out, _ := te.engine.SearchRunLogs(ctx, "nothing-matches-this", 10); out != "Aucune correspondance trouvee." {
		t.Fatalf("no-match = %q", out)
	}
}
