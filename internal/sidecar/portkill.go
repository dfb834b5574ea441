package sidecar

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// killPortOwner terminates whatever process holds the given TCP port. Each
// platform gets its native tool; Linux tries fuser first and falls back to
// lsof when it is not installed.
func killPortOwner(port int) error {
	switch runtime.GOOS {
	case "linux":
		if err := exec.Command("fuser", "-k", fmt.Sprintf("%d/tcp", port)).Run(); err == nil {
			return nil
		}
		return killViaLsof(port)
	case "darwin":
		return killViaLsof(port)
	case "windows":
		return killViaNetstat(port)
	default:
		return fmt.Errorf("port reclaim unsupported on %s", runtime.GOOS)
	}
}

func killViaLsof(port int) error {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		return fmt.Errorf("lsof port %d: %w", port, err)
	}
	for _, pid := range strings.Fields(string(out)) {
		if err := exec.Command("kill", "-9", pid).Run(); err != nil {
			return fmt.Errorf("kill pid %s: %w", pid, err)
		}
	}
	return nil
}

func killViaNetstat(port int) error {
	out, err := exec.Command("netstat", "-ano", "-p", "tcp").Output()
	if err != nil {
		return fmt.Errorf("netstat: %w", err)
	}
	needle := ":" + strconv.Itoa(port)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || !strings.HasSuffix(fields[1], needle) {
			continue
		}
		if !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		pid := fields[4]
		if err := exec.Command("taskkill", "/F", "/PID", pid).Run(); err != nil {
			return fmt.Errorf("taskkill pid %s: %w", pid, err)
		}
	}
	return nil
}
