package service

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigWatcher_ReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.json")

	initial := DefaultAgentLoopConfig()
	initial.Model = "bailian/qwen3-coder-plus"
	data, err := json.Marshal(initial)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	watcher := NewConfigWatcher(path, zap.NewNop())
	assert.Equal(t, "bailian/qwen3-coder-plus", watcher.Config().Model)

	var reloaded AgentLoopConfig
	watcher.OnReload(func(c AgentLoopConfig) { reloaded = c })
	watcher.SetInterval(5 * time.Millisecond)

	go watcher.Start()
	defer watcher.Stop()

	updated := DefaultAgentLoopConfig()
	updated.Model = "anthropic/claude-sonnet"
	updated.MaxTokenBudget = 500000
	// Ensure the mtime strictly advances past the initial load.
	time.Sleep(10 * time.Millisecond)
	data, err = json.Marshal(updated)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	require.Eventually(t, func() bool {
		return watcher.Config().Model == "anthropic/claude-sonnet"
	}, time.Second, 5*time.Millisecond, "watcher should pick up the file change")

	assert.Equal(t, "anthropic/claude-sonnet", reloaded.Model)
	assert.EqualValues(t, 500000, reloaded.MaxTokenBudget)
}

func TestConfigWatcher_PushesIntoAgentLoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.json")

	loop := NewAgentLoop(nil, nil, DefaultAgentLoopConfig(), zap.NewNop())
	watcher := NewConfigWatcher(path, zap.NewNop())
	watcher.OnReload(loop.UpdateConfig)
	watcher.SetInterval(5 * time.Millisecond)

	go watcher.Start()
	defer watcher.Stop()

	updated := DefaultAgentLoopConfig()
	updated.LoopDetectThreshold = 42
	data, err := json.Marshal(updated)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	require.Eventually(t, func() bool {
		return loop.Config().LoopDetectThreshold == 42
	}, time.Second, 5*time.Millisecond, "agent loop should observe the hot-reloaded config")
}
