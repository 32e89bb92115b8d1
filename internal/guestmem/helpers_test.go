package guestmem_test

import (
	"fmt"

	"github.com/armvisor/armvisor/internal/vcpuregs"
)

func sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

func regsWithR5(v uint32) vcpuregs.Regs {
	var r vcpuregs.Regs
	r.R[5] = v

	return r
}
