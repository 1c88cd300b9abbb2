package throttle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLimitBootstrapsAtOne(t *testing.T) {
	l := NewLimit(4)
	require.Equal(t, uint16(1), l.MaxRecv)
	require.Equal(t, uint16(4), l.NextMax)
}

func TestNewLimitPanicsOnZero(t *testing.T) {
	require.Panics(t, func() { NewLimit(0) })
}

func TestLimitSwitch(t *testing.T) {
	l := NewLimit(4)
	got := l.Switch()
	require.Equal(t, uint16(4), got)
	require.Equal(t, uint16(4), l.MaxRecv)
	require.Equal(t, uint16(4), l.NextMax)
}

func TestSaturatingAdd(t *testing.T) {
	require.Equal(t, uint16(5), saturatingAdd(2, 3))
	require.Equal(t, uint16(0xffff), saturatingAdd(0xfffe, 10))
}

func TestIdExceeds(t *testing.T) {
	require.True(t, idExceeds(1, nil))
	two := uint64(2)
	require.True(t, idExceeds(3, &two))
	require.False(t, idExceeds(2, &two))
	require.False(t, idExceeds(1, &two))
}
