//go:build !windows

package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

var (
	bootOnce sync.Once
	bootTime int64
	clkTck   int64 = 100
)

// getProcStartUnix returns the start time of pid in Unix seconds, 0 on error.
// Linux reads /proc directly; other platforms go through gopsutil.
func getProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return linuxStart(pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

func linuxStart(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	// comm (field 2) may contain spaces; everything after the last ") " is fixed-width.
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end < 0 {
		return 0
	}
	fields := strings.Fields(line[end+2:])
	// starttime is field 22 overall, index 19 after state.
	if len(fields) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	bootOnce.Do(loadBoot)
	if bootTime == 0 {
		return 0
	}
	return bootTime + ticks/clkTck
}

func loadBoot() {
	if clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK); err == nil && clk > 0 {
		clkTck = clk
	}
	f, err := os.Open("/proc/stat")
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			if bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				bootTime = bt
			}
			return
		}
	}
}
