// Package notify sends best-effort desktop notifications. Failures are
// logged and swallowed: a missing notifier must never affect trading.
package notify

import (
	"fmt"
	"log"
	"os/exec"
	"runtime"
)

// Notifier posts a desktop notification.
type Notifier interface {
	Notify(title, message string)
}

// Desktop shells out to the platform notifier: notify-send on Linux,
// osascript on macOS. Other platforms log and drop the message.
type Desktop struct {
	logger *log.Logger
}

var _ Notifier = (*Desktop)(nil)

// NewDesktop creates a Desktop notifier.
func NewDesktop(logger *log.Logger) *Desktop {
	return &Desktop{logger: logger}
}

// Notify posts the notification, swallowing any error.
func (d *Desktop) Notify(title, message string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("notify-send", title, message)
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", message, title)
		cmd = exec.Command("osascript", "-e", script)
	default:
		d.logger.Printf("Notification (no desktop notifier on %s): %s: %s", runtime.GOOS, title, message)
		return
	}
	if err := cmd.Run(); err != nil {
		d.logger.Printf("Warning: desktop notification failed: %v", err)
	}
}

// Noop discards notifications, for tests and headless deployments.
type Noop struct{}

var _ Notifier = (*Noop)(nil)

// Notify drops the message.
func (Noop) Notify(title, message string) {}
