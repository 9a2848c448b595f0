package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ViewLogs shows the service's logs with the platform's own tools.
func ViewLogs(opts LogOptions) error {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = journalctlCommand(opts)
	case "darwin":
		cmd = tailCommand(opts)
	case "windows":
		cmd = eventLogCommand(opts)
	default:
		return fmt.Errorf("log viewing not supported on %s", runtime.GOOS)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

func journalctlCommand(opts LogOptions) *exec.Cmd {
	args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
	if opts.Follow {
		args = append(args, "-f")
	}
	return exec.Command("journalctl", args...)
}

// tailCommand reads the files launchd redirects the service output to.
func tailCommand(opts LogOptions) *exec.Cmd {
	args := []string{"-n", strconv.Itoa(opts.Lines)}
	if opts.Follow {
		args = append(args, "-f")
	}
	args = append(args,
		fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName),
		fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName))
	return exec.Command("tail", args...)
}

// eventLogCommand queries the Application event log, where the Windows
// service manager records service output.
func eventLogCommand(opts LogOptions) *exec.Cmd {
	script := fmt.Sprintf(`
$filter = @{ LogName = 'Application'; ProviderName = '%s' }
Get-WinEvent -FilterHashtable $filter -MaxEvents %d -ErrorAction SilentlyContinue |
    Sort-Object TimeCreated |
    ForEach-Object { Write-Host "$($_.TimeCreated) [$($_.LevelDisplayName)] $($_.Message)" }
`, opts.ServiceName, opts.Lines)

	if opts.Follow {
		script += fmt.Sprintf(`
$last = Get-Date
while ($true) {
    Start-Sleep -Seconds 2
    $filter = @{ LogName = 'Application'; ProviderName = '%s'; StartTime = $last }
    $events = Get-WinEvent -FilterHashtable $filter -ErrorAction SilentlyContinue | Sort-Object TimeCreated
    if ($events) {
        $events | ForEach-Object { Write-Host "$($_.TimeCreated) [$($_.LevelDisplayName)] $($_.Message)" }
        $last = ($events | Select-Object -Last 1).TimeCreated.AddSeconds(1)
    }
}
`, opts.ServiceName)
	}
	return exec.Command("powershell", "-NoProfile", "-Command", script)
}
