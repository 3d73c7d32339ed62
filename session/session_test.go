package session

import (
	"os"
	"testing"

	"github.com/mccartykim/wong-bittorrent/hash2k"
	"github.com/mccartykim/wong-bittorrent/transfer"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(Config{OutputDir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestAddTransferRegistersAndAlertsAndCreatesFile(t *testing.T) {
	s := newTestSession(t)
	var fh hash2k.FileHash
	fh[0] = 0x01

	tr, err := s.AddTransfer(AddTransferRequest{
		Config: transfer.Config{FileHash: fh, FileLength: 1024},
		Name:   "movie.avi",
	})
	require.NoError(t, err)
	require.Equal(t, transfer.StateDownloading, tr.State())

	got, ok := s.Transfer(fh)
	require.True(t, ok, "expected transfer to be registered")
	require.Same(t, tr, got)

	alert, ok := s.PopAlert()
	require.True(t, ok, "expected an alert to be pending")
	require.Equal(t, AlertTransferAdded, alert.Kind)

	_, err = os.Stat(s.cfg.OutputDir + "/movie.avi")
	require.NoError(t, err, "expected backing file to exist")
}

func TestAddTransferDuplicateRejected(t *testing.T) {
	s := newTestSession(t)
	var fh hash2k.FileHash
	fh[1] = 0x02

	req := AddTransferRequest{Config: transfer.Config{FileHash: fh, FileLength: 10}, Name: "a.bin"}
	_, err := s.AddTransfer(req)
	require.NoError(t, err)

	_, err = s.AddTransfer(req)
	require.Error(t, err, "expected duplicate transfer to be rejected")
}

func TestRemoveTransferDeletesFileWhenRequested(t *testing.T) {
	s := newTestSession(t)
	var fh hash2k.FileHash
	fh[2] = 0x03

	path := s.cfg.OutputDir + "/song.mp3"
	_, err := s.AddTransfer(AddTransferRequest{Config: transfer.Config{FileHash: fh, FileLength: 10}, Name: "song.mp3"})
	require.NoError(t, err)

	require.NoError(t, s.RemoveTransfer(fh, true))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "expected backing file removed, stat err=%v", err)

	_, ok := s.Transfer(fh)
	require.False(t, ok, "expected transfer to be unregistered")
}

func TestRemoveTransferUnknownHandle(t *testing.T) {
	s := newTestSession(t)
	var fh hash2k.FileHash
	require.Error(t, s.RemoveTransfer(fh, false))
}

func TestPauseAndResumeTransfer(t *testing.T) {
	s := newTestSession(t)
	var fh hash2k.FileHash
	fh[3] = 0x04

	tr, err := s.AddTransfer(AddTransferRequest{Config: transfer.Config{FileHash: fh, FileLength: 10}, Name: "x.bin"})
	require.NoError(t, err)

	require.NoError(t, s.Pause(fh))
	require.Equal(t, transfer.StatePaused, tr.State())

	require.NoError(t, s.Resume(fh))
	require.Equal(t, transfer.StateDownloading, tr.State())
}
