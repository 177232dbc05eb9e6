package main

import (
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/csheth/pagechat/internal/tuitest"
)

func TestMissingKeyNoticeOnFirstQuestion(t *testing.T) {
	t.Parallel()

	cmdDir := moduleDir(t)
	binary := buildBinary(t, cmdDir)
	home := t.TempDir()

	rec, err := tuitest.Run(context.Background(), tuitest.Config{
		Command: []string{
			binary,
			"-no-alt-screen",
			"-settings", filepath.Join(home, "settings.toml"),
			"-log-file", filepath.Join(home, "pagechat.log"),
		},
		Dir: home,
		Env: []string{
			"XDG_CONFIG_HOME=" + home,
			"PAGECHAT_CACHE_DIR=" + filepath.Join(home, "cache"),
			"PAGECHAT_API_KEY=",
			"OPENAI_API_KEY=",
		},
		Width:  100,
		Height: 32,
		Steps: []tuitest.Step{
			{WaitFor: "Ask"},
			{Input: []byte("what is this paper about?")},
			{Input: tuitest.KeyEnter},
			{WaitFor: "Please set your API key in settings first."},
			{Input: tuitest.KeyCtrlC},
		},
		Timeout:        10 * time.Second,
		AllowInterrupt: true,
	})
	if err != nil {
		t.Fatalf("run CLI: %v", err)
	}
	if !rec.Contains("Please set your API key in settings first.") {
		t.Fatalf("missing credential notice not shown")
	}
}

func moduleDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("runtime caller unavailable")
	}
	return filepath.Dir(file)
}

func buildBinary(t *testing.T, cmdDir string) string {
	t.Helper()
	tmp := t.TempDir()
	name := "pagechat-integration"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	binPath := filepath.Join(tmp, name)
	cmd := exec.Command("go", "build", "-o", binPath, ".")
	cmd.Dir = cmdDir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build CLI: %v\n%s", err, output)
	}
	return binPath
}
