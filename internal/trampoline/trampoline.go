// Package trampoline encodes the stubs placed in a code cache's trampoline
// area. A stub forwards a call to a target out of reach of a direct branch by
// loading the absolute address into a scratch register and jumping to it.
package trampoline

import (
	"errors"
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// ErrUnsupportedArch is returned for architectures without a stub encoding.
var ErrUnsupportedArch = errors.New("trampolines unsupported for architecture")

// sizingTarget has all 64 bits populated so that the assembler cannot pick a
// shorter encoding than the worst case.
const sizingTarget = uintptr(0x7fff_ffff_ffff_fff0)

// Encode returns the machine code of a stub for arch jumping to target.
//
// The scratch registers are R11 on amd64 and R17 (IP1) on arm64; both are
// caller-saved and not used for argument passing.
func Encode(arch string, target uintptr) ([]byte, error) {
	var emit func(b *goasm.Builder, target uintptr)
	switch arch {
	case "amd64":
		emit = emitAMD64
	case "arm64":
		emit = emitARM64
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, arch)
	}

	b, err := goasm.NewBuilder(arch, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	emit(b, target)
	return b.Assemble(), nil
}

// Size returns the largest stub size for arch.
func Size(arch string) (int, error) {
	code, err := Encode(arch, sizingTarget)
	if err != nil {
		return 0, err
	}
	return len(code), nil
}

// emitAMD64 emits MOVQ $target, R11; JMP R11.
func emitAMD64(b *goasm.Builder, target uintptr) {
	mov := b.NewProg()
	mov.As = x86.AMOVQ
	mov.From.Type = obj.TYPE_CONST
	mov.From.Offset = int64(target)
	mov.To.Type = obj.TYPE_REG
	mov.To.Reg = x86.REG_R11
	b.AddInstruction(mov)

	jmp := b.NewProg()
	jmp.As = obj.AJMP
	jmp.To.Type = obj.TYPE_REG
	jmp.To.Reg = x86.REG_R11
	b.AddInstruction(jmp)
}

// emitARM64 emits MOVD $target, R17; B (R17).
func emitARM64(b *goasm.Builder, target uintptr) {
	mov := b.NewProg()
	mov.As = arm64.AMOVD
	mov.From.Type = obj.TYPE_CONST
	// The assembler emits at most 4 instructions (MOVZ + 3x MOVK) to load
	// such large constants.
	mov.From.Offset = int64(target)
	mov.To.Type = obj.TYPE_REG
	mov.To.Reg = arm64.REG_R17
	b.AddInstruction(mov)

	br := b.NewProg()
	br.As = arm64.AB
	br.To.Type = obj.TYPE_MEM
	br.To.Reg = arm64.REG_R17
	b.AddInstruction(br)
}
