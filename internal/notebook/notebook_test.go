package notebook

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	nb, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeFile(t, filepath.Join(dir, "automations", "morning.md"), "Turn on the kitchen light at 7am.")
	writeFile(t, filepath.Join(dir, "automations", "empty.md"), "  \n")
	writeFile(t, filepath.Join(dir, "automations", "notes.txt"), "not an automation")
	writeFile(t, filepath.Join(dir, "cues", "movie-night.md"), "Dim the living room lights.")

	scan, err := nb.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(scan.Automations) != 1 {
		t.Fatalf("automations=%+v", scan.Automations)
	}
	a := scan.Automations[0]
	if a.FileName != "morning.md" {
		t.Errorf("fileName=%q", a.FileName)
	}
	if a.Hash != HashContents(a.Contents) {
		t.Error("hash mismatch")
	}
	if len(scan.Cues) != 1 || scan.Cues[0].FileName != "movie-night.md" {
		t.Errorf("cues=%+v", scan.Cues)
	}

	if _, ok := scan.AutomationByHash(a.Hash); !ok {
		t.Error("AutomationByHash missed")
	}
	if _, ok := scan.CueByName("movie-night"); !ok {
		t.Error("CueByName missed without suffix")
	}
}

func TestHashStableAcrossRenames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	nb, _ := Open(dir)
	writeFile(t, filepath.Join(dir, "automations", "a.md"), "same contents")

	scan, _ := nb.Scan()
	first := scan.Automations[0].Hash

	if err := os.Rename(filepath.Join(dir, "automations", "a.md"), filepath.Join(dir, "automations", "b.md")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	scan, _ = nb.Scan()
	if scan.Automations[0].Hash != first {
		t.Error("hash changed across rename")
	}

	writeFile(t, filepath.Join(dir, "automations", "b.md"), "different contents")
	scan, _ = nb.Scan()
	if scan.Automations[0].Hash == first {
		t.Error("hash did not change with contents")
	}
}

func TestModelSelection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		contents string
		want     string
	}{
		{"Turn off the lights at dusk.", ""},
		{"<!-- model: ollama/qwen3:30b -->\nTurn off the lights.", "ollama/qwen3:30b"},
		{"Prefix text\n<!--model: openai:local/gemma-3-27b-->", "openai:local/gemma-3-27b"},
	}
	for _, tc := range cases {
		a := Automation{Contents: tc.contents}
		if got := a.ModelSelection(); got != tc.want {
			t.Errorf("ModelSelection(%q)=%q want %q", tc.contents, got, tc.want)
		}
	}
}

func TestScratchpad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	nb, _ := Open(dir)
	pad := nb.Scratchpad()

	text, err := pad.Read()
	if err != nil || text != "" {
		t.Fatalf("Read empty: %q, %v", text, err)
	}

	if err := pad.Write("bedtime is 22:30"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	text, err = pad.Read()
	if err != nil || text != "bedtime is 22:30" {
		t.Fatalf("Read: %q, %v", text, err)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "memory.md" && e.Name() != "automations" && e.Name() != "cues" {
			t.Errorf("unexpected file %s", e.Name())
		}
	}
}

func TestWatchNotifiesOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	nb, _ := Open(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := nb.watch(ctx, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeFile(t, filepath.Join(dir, "automations", "new.md"), "At sunset close the blinds.")

	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatal("no notification for new automation")
	}

	// Non-markdown churn is ignored.
	writeFile(t, filepath.Join(dir, "automations", "scratch.tmp"), "noise")
	select {
	case <-changes:
		t.Fatal("unexpected notification for non-markdown file")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case _, ok := <-changes:
		if ok {
			<-changes
		}
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}
}
