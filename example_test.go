package jitmem

import (
	"fmt"
	"log"

	"github.com/tetratelabs/jitmem/internal/monitor"
)

// This is an example of a compilation thread writing a method body to a
// code cache.
func Example() {
	session, err := NewSession(NewConfig(), nil)
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	// Compilation threads are numbered from zero.
	tid := monitor.ThreadID(0)
	code := []byte{0xc3} // RET on amd64

	cache, _ := session.Manager().ReserveCodeCache(false, len(code), tid)
	if cache == nil {
		log.Fatal("out of code cache")
	}
	defer cache.Unreserve()

	block, err := cache.AllocateBytes(tid, len(code))
	if err != nil {
		log.Fatal(err)
	}
	copy(block.Code, code)

	fmt.Println(session.Manager().FindCodeCacheFromPC(block.Start) == cache)

	// Output:
	// true
}
