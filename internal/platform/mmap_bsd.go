//go:build darwin || freebsd || netbsd || openbsd

package platform

const (
	canAdviseHugePages = false
	canDisclaim        = false
	reserveFlags       = 0
)

func largePageSizes() []int {
	return nil
}

func hugePageFlag(int, int) int {
	return 0
}

func adviseHugePages([]byte) error {
	return ErrUnsupported
}

func disclaim([]byte) error {
	return ErrUnsupported
}
