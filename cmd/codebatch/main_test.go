package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func resetGlobalFlags(t *testing.T, store string) {
	t.Helper()
	storeRoot = store
	jsonOutput = false
	verbose = false
	t.Cleanup(func() {
		storeRoot = ""
		jsonOutput = false
	})
}

func writeSourceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestFullWorkflowThroughCLI drives store init, snapshot build, batch init,
// and batch run entirely through the cobra RunE functions, the way a real
// invocation of the binary would, and checks the on-disk store afterwards.
func TestFullWorkflowThroughCLI(t *testing.T) {
	storeDir := t.TempDir()
	srcDir := t.TempDir()
	writeSourceFile(t, srcDir, "main.go", "package main\n\nfunc main() {}\n")

	resetGlobalFlags(t, storeDir)

	if err := storeInitCmd.RunE(&cobra.Command{}, []string{storeDir}); err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(storeDir, "store.json")); err != nil {
		t.Fatalf("store.json missing after init: %v", err)
	}

	snapshotIDFlag = ""
	if err := snapshotBuildCmd.RunE(&cobra.Command{}, []string{srcDir}); err != nil {
		t.Fatalf("snapshot build failed: %v", err)
	}

	e, err := newEnv()
	if err != nil {
		t.Fatalf("newEnv failed: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(e.storeRoot, "snapshots"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly one snapshot directory, got %v (err=%v)", entries, err)
	}
	snapshotID := entries[0].Name()

	batchIDFlag = ""
	if err := batchInitCmd.RunE(&cobra.Command{}, []string{snapshotID, "parse"}); err != nil {
		t.Fatalf("batch init failed: %v", err)
	}

	batches, err := e.batches.ListBatches()
	if err != nil || len(batches) != 1 {
		t.Fatalf("expected exactly one batch, got %v (err=%v)", batches, err)
	}
	batchID := batches[0]

	batchTaskFlag = ""
	batchParallel = 1
	if err := batchRunCmd.RunE(&cobra.Command{}, []string{batchID}); err != nil {
		t.Fatalf("batch run failed: %v", err)
	}

	if err := batchStatusCmd.RunE(&cobra.Command{}, []string{batchID}); err != nil {
		t.Fatalf("batch status failed: %v", err)
	}
}

func TestGateListCmdRunsAgainstFreshStore(t *testing.T) {
	resetGlobalFlags(t, t.TempDir())
	if err := storeInitCmd.RunE(&cobra.Command{}, []string{storeRoot}); err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	if err := gateListCmd.RunE(&cobra.Command{}, nil); err != nil {
		t.Fatalf("gate list failed: %v", err)
	}
}

func TestApplyChunkThresholdOverride(t *testing.T) {
	storeDir := t.TempDir()
	srcDir := t.TempDir()
	writeSourceFile(t, srcDir, "main.go", "package main\n\nfunc main() {}\n")

	resetGlobalFlags(t, storeDir)
	if err := storeInitCmd.RunE(&cobra.Command{}, []string{storeDir}); err != nil {
		t.Fatalf("store init failed: %v", err)
	}

	e, err := newEnv()
	if err != nil {
		t.Fatalf("newEnv failed: %v", err)
	}
	snapshotID, err := e.snapshots.Build(srcDir, "", nil)
	if err != nil {
		t.Fatalf("snapshot build failed: %v", err)
	}
	e.cfg.ChunkThresholdBytes = 4096

	batchID, err := e.batches.InitBatch(snapshotID, "parse", "", nil)
	if err != nil {
		t.Fatalf("init batch failed: %v", err)
	}
	if err := applyChunkThresholdOverride(e, batchID); err != nil {
		t.Fatalf("applyChunkThresholdOverride failed: %v", err)
	}

	plan, err := e.batches.LoadPlan(batchID)
	if err != nil {
		t.Fatalf("load plan failed: %v", err)
	}
	var found bool
	for _, task := range plan.Tasks {
		if task.Type != "parse" {
			continue
		}
		found = true
		// LoadPlan round-trips through JSON, so a written int64 decodes as float64.
		got, ok := task.Config["chunk_threshold"].(float64)
		if !ok || got != 4096 {
			t.Fatalf("expected chunk_threshold=4096 on disk, got %#v", task.Config["chunk_threshold"])
		}
	}
	if !found {
		t.Fatal("parse pipeline produced no parse task")
	}
}
