package wire

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarkraft/quarkraft/internal/journal"
)

func TestAppendEntriesBlobRoundTrip(t *testing.T) {
	entries := []journal.Entry{
		{Term: 3, Command: journal.Command{[]byte("SET"), []byte("k"), []byte("v")}},
		{Term: 3, Command: journal.NewLeadershipMarkerCommand(3, "a:1")},
	}
	blob := EncodeAppendEntriesBlob(3, 10, 2, 9, entries)

	term, prevIndex, prevTerm, commitIndex, got, err := DecodeAppendEntriesBlob(blob)
	require.NoError(t, err)
	require.Equal(t, uint64(3), term)
	require.Equal(t, uint64(10), prevIndex)
	require.Equal(t, uint64(2), prevTerm)
	require.Equal(t, uint64(9), commitIndex)
	require.Equal(t, entries, got)
}

func TestAppendEntriesBlobEmpty(t *testing.T) {
	blob := EncodeAppendEntriesBlob(1, 0, 0, 0, nil)
	_, _, _, _, got, err := DecodeAppendEntriesBlob(blob)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestHandshakeTimeoutsRoundTrip(t *testing.T) {
	s := CanonicalHandshakeTimeouts(100, 150, 300)
	require.Equal(t, "heartbeat_ms=100,low_ms=150,high_ms=300", s)

	hb, low, high, err := ParseHandshakeTimeouts(s)
	require.NoError(t, err)
	require.Equal(t, int64(100), hb)
	require.Equal(t, int64(150), low)
	require.Equal(t, int64(300), high)
}

func TestParseHandshakeTimeoutsRejectsMismatch(t *testing.T) {
	_, _, _, err := ParseHandshakeTimeouts("garbage")
	require.Error(t, err)
	_, _, _, err = ParseHandshakeTimeouts("low_ms=1,heartbeat_ms=2,high_ms=3")
	require.Error(t, err)
}

func TestInlineCommandRoundTrip(t *testing.T) {
	var sb strings.Builder
	w := bufio.NewWriter(&sb)
	require.NoError(t, WriteInlineCommand(w, "HEARTBEAT", "7", "a:1"))

	r := bufio.NewReader(strings.NewReader(sb.String()))
	toks, err := ReadInlineCommand(r)
	require.NoError(t, err)
	require.Equal(t, []string{"HEARTBEAT", "7", "a:1"}, toks)
}

func TestMultibulkRoundTrip(t *testing.T) {
	var sb strings.Builder
	w := bufio.NewWriter(&sb)
	payload := []byte("binary\r\nwith spaces\x00and nulls")
	require.NoError(t, WriteMultibulk(w, []byte("APPEND_ENTRIES"), []byte("a:1"), payload))

	r := bufio.NewReader(strings.NewReader(sb.String()))
	toks, err := ReadCommand(r)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("APPEND_ENTRIES"), []byte("a:1"), payload}, toks)
}

func TestReadCommandFallsBackToInline(t *testing.T) {
	var sb strings.Builder
	w := bufio.NewWriter(&sb)
	require.NoError(t, WriteInlineCommand(w, "HEARTBEAT", "7", "a:1"))

	r := bufio.NewReader(strings.NewReader(sb.String()))
	toks, err := ReadCommand(r)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("HEARTBEAT"), []byte("7"), []byte("a:1")}, toks)
}

func TestArrayReplyRoundTrip(t *testing.T) {
	var sb strings.Builder
	w := bufio.NewWriter(&sb)
	require.NoError(t, WriteArray(w, "7", "1", ""))

	r := bufio.NewReader(strings.NewReader(sb.String()))
	got, err := ReadArray(r)
	require.NoError(t, err)
	require.Equal(t, []string{"7", "1", ""}, got)
}
