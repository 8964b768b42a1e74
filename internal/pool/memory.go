package pool

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// ResidentMemoryMB samples this process's resident set size from
// procfs. Sampling process-level RSS deliberately includes the child
// browser's shared pages visible to us; the limit is a safety valve,
// not an accounting tool.
func ResidentMemoryMB() (float64, error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("open procfs: %w", err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("read proc stat: %w", err)
	}
	return float64(stat.ResidentMemory()) / (1 << 20), nil
}
