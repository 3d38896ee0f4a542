package ffmpeg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"upscaler/config"

	"github.com/c2h5oh/datasize"
	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceChecker refuses to start an encode when the host is short on idle
// CPU, memory or disk. A zero threshold disables that check.
type ResourceChecker struct {
	cfg    *config.Config
	logger hclog.Logger
}

func NewResourceChecker(cfg *config.Config, logger hclog.Logger) *ResourceChecker {
	return &ResourceChecker{cfg: cfg, logger: logger}
}

// Check verifies the host can take one more encode writing into dir.
func (r *ResourceChecker) Check(dir string) error {
	if r.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			r.logger.Warn("could not get CPU usage", "error", err)
		} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU: usage %.2f%%, idle threshold %.2f%%", p[0], r.cfg.ThrottleCPU)
		}
	}

	if r.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			r.logger.Warn("could not get memory usage", "error", err)
		} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory: available %s, required %s",
				datasize.ByteSize(vm.Available).HR(), datasize.ByteSize(r.cfg.ThrottleFreeMem).HR())
		}
	}

	if r.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(dir)
		if err != nil {
			r.logger.Warn("could not get disk usage", "path", dir, "error", err)
		} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space in %s: available %s, required %s",
				dir, datasize.ByteSize(d.Free).HR(), datasize.ByteSize(r.cfg.ThrottleFreeDisk).HR())
		}
	}
	return nil
}

// KillByName kills child processes of this service whose executable name
// matches bin. It is the last-resort cleanup after supervision broke down
// and the process handle can no longer be trusted.
func KillByName(bin string) (int, error) {
	want := executableName(bin)
	procs, err := process.Processes()
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}

	self := int32(os.Getpid())
	killed := 0
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil || ppid != self {
			continue
		}
		name, err := p.Name()
		if err != nil || executableName(name) != want {
			continue
		}
		if err := p.Kill(); err != nil {
			return killed, fmt.Errorf("kill %s (pid %d): %w", name, p.Pid, err)
		}
		killed++
	}
	return killed, nil
}

func executableName(path string) string {
	base := filepath.Base(path)
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}
