package wal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLog(t *testing.T) {
	table := map[string]func(t *testing.T, l *Log){
		"append and read record":      testAppendRead,
		"offset out of range error":   testOutOfRangeErr,
		"init with existing segments": testInitExisting,
		"rotation across segments":    testRotation,
	}
	for scenario, fn := range table {
		t.Run(scenario, func(t *testing.T) {
			dir, err := os.MkdirTemp("", "log-test")
			require.NoError(t, err)
			defer os.RemoveAll(dir)

			c := Config{}
			c.Segment.MaxStoreBytes = 32
			l, err := NewLog(dir, c)
			require.NoError(t, err)

			fn(t, l)
		})
	}
}

func testAppendRead(t *testing.T, l *Log) {
	value := []byte("hello, WAL!")
	off, err := l.Append(value)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)

	read, err := l.Read(off)
	require.NoError(t, err)
	require.Equal(t, value, read.Value)
}

func testOutOfRangeErr(t *testing.T, l *Log) {
	_, err := l.Read(1)
	require.Error(t, err)
	require.IsType(t, ErrOffsetOutOfRange{}, err)
}

func testInitExisting(t *testing.T, l *Log) {
	for i := 0; i < 3; i++ {
		_, err := l.Append([]byte("hello world"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	require.Equal(t, uint64(2), l.HighestOffset())

	n, err := NewLog(l.Dir, l.Config)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n.HighestOffset())

	off, err := n.Read(0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), off.Value)
}

func testRotation(t *testing.T, l *Log) {
	for i := 0; i < 10; i++ {
		off, err := l.Append([]byte("message payload padded out"))
		require.NoError(t, err)
		require.Equal(t, uint64(i), off)
	}

	require.Greater(t, len(l.segments), 1)

	for i := uint64(0); i < 10; i++ {
		_, err := l.Read(i)
		require.NoError(t, err)
	}
}

func TestLogRecovery(t *testing.T) {
	dir, err := os.MkdirTemp("", "log-recovery-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c := Config{}
	c.Segment.MaxStoreBytes = 1024
	c.Segment.MaxIndexBytes = 1024

	l, err := NewLog(dir, c)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append([]byte("first session"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l2, err := NewLog(dir, c)
	require.NoError(t, err)
	for i := uint64(0); i < 5; i++ {
		r, err := l2.Read(i)
		require.NoError(t, err)
		require.Equal(t, []byte("first session"), r.Value)
	}

	for i := 0; i < 5; i++ {
		off, err := l2.Append([]byte("second session"))
		require.NoError(t, err)
		require.Equal(t, uint64(5+i), off)
	}

	for i := uint64(0); i < 10; i++ {
		_, err := l2.Read(i)
		require.NoError(t, err)
	}
	require.NoError(t, l2.Close())
}
