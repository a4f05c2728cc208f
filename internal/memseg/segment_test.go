package memseg_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitmem/internal/memseg"
	"github.com/tetratelabs/jitmem/internal/testing/fakemem"
)

func TestAcquire(t *testing.T) {
	t.Run("rounds to page size", func(t *testing.T) {
		b := fakemem.New(4096)
		s, err := memseg.Acquire(b, 5000, 0, 0)
		require.NoError(t, err)
		require.Equal(t, 8192, s.Size())
		require.Equal(t, s.Base()+8192, s.End())
		require.Equal(t, 4096, s.PageSize())
	})
	t.Run("rounds to large page size", func(t *testing.T) {
		b := fakemem.New(4096)
		s, err := memseg.Acquire(b, 5000, 0, 1<<21)
		require.NoError(t, err)
		require.Equal(t, 1<<21, s.Size())
	})
	t.Run("invalid size", func(t *testing.T) {
		_, err := memseg.Acquire(fakemem.New(4096), 0, 0, 0)
		require.EqualError(t, err, "invalid segment size 0")
	})
	t.Run("hint honored", func(t *testing.T) {
		b := fakemem.New(4096)
		s, err := memseg.Acquire(b, 4096, 0x4000_0000, 0)
		require.NoError(t, err)
		require.Equal(t, uintptr(0x4000_0000), s.Base())
	})
	t.Run("hint refused", func(t *testing.T) {
		b := fakemem.New(4096)
		b.RefuseHints(true)
		_, err := memseg.Acquire(b, 4096, 0x4000_0000, 0)
		require.True(t, errors.Is(err, memseg.ErrPlacementRefused))
		// The misplaced mapping must not leak.
		require.Equal(t, 0, b.Stats().Live)
	})
	t.Run("exhausted", func(t *testing.T) {
		b := fakemem.New(4096)
		b.FailReservations(true)
		_, err := memseg.Acquire(b, 4096, 0, 0)
		require.ErrorIs(t, err, fakemem.ErrOutOfAddressSpace)
	})
}

func TestSegment_Commit(t *testing.T) {
	b := fakemem.New(4096)
	s, err := memseg.Acquire(b, 4*4096, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 0, s.Committed())

	require.NoError(t, s.Commit(100))
	require.Equal(t, 4096, s.Committed())
	require.Equal(t, 4096, b.Committed(s.Base()))

	// Shrinking is a no-op.
	require.NoError(t, s.Commit(10))
	require.Equal(t, 4096, s.Committed())

	require.NoError(t, s.Commit(4*4096))
	require.Equal(t, 4*4096, s.Committed())

	require.Error(t, s.Commit(5*4096))
}

func TestSegment_Disclaim(t *testing.T) {
	b := fakemem.New(4096)
	s, err := memseg.Acquire(b, 4*4096, 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Commit(4*4096))

	tests := []struct {
		name          string
		offset, size  int
		expDisclaimed bool
		expErr        bool
	}{
		{name: "less than a page", offset: 10, size: 4000},
		{name: "straddling pages", offset: 100, size: 4096},
		{name: "one page inside", offset: 100, size: 2 * 4096, expDisclaimed: true},
		{name: "whole", offset: 0, size: 4 * 4096, expDisclaimed: true},
		{name: "beyond committed", offset: 0, size: 5 * 4096, expErr: true},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			disclaimed, err := s.Disclaim(tc.offset, tc.size)
			if tc.expErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expDisclaimed, disclaimed)
		})
	}
}

func TestSegment_Release(t *testing.T) {
	b := fakemem.New(4096)
	s, err := memseg.Acquire(b, 4096, 0, 0)
	require.NoError(t, err)
	require.True(t, s.Contains(s.Base()))
	require.False(t, s.Contains(s.End()))

	require.NoError(t, s.Release())
	// Idempotent.
	require.NoError(t, s.Release())
	require.Equal(t, 1, b.Stats().Releases)

	require.ErrorIs(t, s.Commit(4096), memseg.ErrReleased)
	require.ErrorIs(t, s.AdviseHugePages(), memseg.ErrReleased)
}

func TestAlign(t *testing.T) {
	require.Equal(t, 0, memseg.AlignUp(0, 8))
	require.Equal(t, 8, memseg.AlignUp(1, 8))
	require.Equal(t, 8, memseg.AlignUp(8, 8))
	require.Equal(t, 7, memseg.AlignUp(7, 1))
	require.Equal(t, 0, memseg.AlignDown(7, 8))
	require.Equal(t, 16, memseg.AlignDown(23, 8))
}
