package guard

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DetectMemoryLimit reads the container memory limit from the cgroup
// filesystem. Tries cgroup v2 first, then v1. Returns 0 when no limit is set
// or the process is not containerized.
func DetectMemoryLimit() (int64, error) {
	// v2: a number or "max"
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(data))
		if s == "max" {
			return 0, nil
		}
		return strconv.ParseInt(s, 10, 64)
	}

	// v1: always a number, absurdly large when unlimited
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		s := strings.TrimSpace(string(data))
		limit, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, err
		}
		// v1 reports a huge sentinel (~PiB) when unlimited
		if limit > int64(1)<<50 {
			return 0, nil
		}
		return limit, nil
	}

	return 0, fmt.Errorf("cgroup memory limit not found")
}

// DetectCPULimit reads the container CPU quota as a core count. Returns 0
// when unlimited or not containerized.
func DetectCPULimit() (float64, error) {
	// v2: "quota period" or "max period"
	if data, err := os.ReadFile("/sys/fs/cgroup/cpu.max"); err == nil {
		fields := strings.Fields(strings.TrimSpace(string(data)))
		if len(fields) == 2 && fields[0] != "max" {
			quota, err1 := strconv.ParseFloat(fields[0], 64)
			period, err2 := strconv.ParseFloat(fields[1], 64)
			if err1 == nil && err2 == nil && period > 0 {
				return quota / period, nil
			}
		}
		return 0, nil
	}

	// v1: quota and period in separate files, quota -1 means unlimited
	quotaData, err := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_quota_us")
	if err != nil {
		return 0, fmt.Errorf("cgroup cpu limit not found")
	}
	periodData, err := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_period_us")
	if err != nil {
		return 0, fmt.Errorf("cgroup cpu limit not found")
	}
	quota, err := strconv.ParseFloat(strings.TrimSpace(string(quotaData)), 64)
	if err != nil || quota < 0 {
		return 0, nil
	}
	period, err := strconv.ParseFloat(strings.TrimSpace(string(periodData)), 64)
	if err != nil || period <= 0 {
		return 0, nil
	}
	return quota / period, nil
}
