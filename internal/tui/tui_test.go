package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/api"
	"tributary/internal/changes"
	"tributary/internal/index"
	"tributary/internal/llmlock"
	"tributary/internal/pipeline"
)

func sampleStatus() api.StatusResponse {
	return api.StatusResponse{
		Lock: llmlock.State{Locked: true, RemainingSeconds: 42},
		Indexer: &index.Stats{
			Stages: []pipeline.StageSnapshot{
				{Name: "classify", Workers: 4, Processed: 10, Running: true, QueueCap: 256},
				{Name: "persist", Workers: 1, Processed: 9, Failed: 1, Running: true, QueueCap: 256},
			},
			LastScan:     changes.ScanReport{Seen: 12, Discovered: 3},
			FilesIndexed: 9,
		},
	}
}

func TestModelRendersStatus(t *testing.T) {
	m := New(Config{Addr: ":1"})
	assert.Contains(t, m.View(), "connecting")

	next, cmd := m.Update(statusMsg{resp: sampleStatus(), poll: true})
	assert.NotNil(t, cmd, "a polled status schedules the next tick")
	view := next.View()
	assert.Contains(t, view, "held")
	assert.Contains(t, view, "classify")
	assert.Contains(t, view, "persist")
	assert.Contains(t, view, "12 seen")

	_, cmd = next.Update(statusMsg{resp: sampleStatus()})
	assert.Nil(t, cmd, "manual refreshes do not start another poll loop")
}

func TestModelTracksLockToken(t *testing.T) {
	m := New(Config{Addr: ":1"})
	next, _ := m.Update(lockMsg{res: llmlock.SetResult{Token: "tok", State: llmlock.State{Locked: true}}})
	assert.Equal(t, "tok", next.(Model).token)

	next, _ = next.Update(lockMsg{res: llmlock.SetResult{State: llmlock.State{}}})
	assert.Empty(t, next.(Model).token)
}

func TestQuitKey(t *testing.T) {
	_, cmd := New(Config{}).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
