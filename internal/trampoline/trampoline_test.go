package trampoline

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncode_amd64(t *testing.T) {
	code, err := Encode("amd64", 0x1122334455667788)
	require.NoError(t, err)

	// movabs r11, 0x1122334455667788
	require.True(t, bytes.HasPrefix(code, []byte{0x49, 0xbb, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}), "%x", code)
	// jmp r11
	require.True(t, bytes.Contains(code[10:], []byte{0x41, 0xff, 0xe3}), "%x", code)
}

func TestEncode_arm64(t *testing.T) {
	code, err := Encode("arm64", 0x1122334455667788)
	require.NoError(t, err)
	require.Zero(t, len(code)%4)

	// br x17 is the last instruction emitted.
	found := false
	for i := 0; i+4 <= len(code); i += 4 {
		if bytes.Equal(code[i:i+4], []byte{0x20, 0x02, 0x1f, 0xd6}) {
			found = true
		}
	}
	require.True(t, found, "%x", code)
}

func TestEncode_unsupported(t *testing.T) {
	_, err := Encode("riscv64", 0)
	require.ErrorIs(t, err, ErrUnsupportedArch)

	_, err = Size("s390x")
	require.ErrorIs(t, err, ErrUnsupportedArch)
}

func TestSize(t *testing.T) {
	for _, arch := range []string{"amd64", "arm64"} {
		arch := arch
		t.Run(arch, func(t *testing.T) {
			size, err := Size(arch)
			require.NoError(t, err)
			require.NotZero(t, size)

			// Smaller targets never need more room than the sizing target.
			code, err := Encode(arch, 0x1000)
			require.NoError(t, err)
			require.LessOrEqual(t, len(code), size)
		})
	}
}
