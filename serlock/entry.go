package serlock

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Entry is one line of a lock file: a queued or owning process.
type Entry struct {
	PID int
	// Command is argv[0] of the process at queue time, possibly empty.
	Command string
}

// String returns the entry as stored, without the trailing newline.
func (e Entry) String() string {
	if e.Command == "" {
		return strconv.Itoa(e.PID)
	}

	return strconv.Itoa(e.PID) + " " + e.Command
}

// line returns the entry terminated by a newline.
func (e Entry) line() string {
	return e.String() + "\n"
}

// ParseEntry parses one lock file line. Leading blanks and the trailing
// newline are ignored, as are extra blanks between the PID and the command.
func ParseEntry(line string) (Entry, error) {
	s := strings.TrimRight(line, "\r\n")
	s = strings.TrimLeft(s, " \t")

	pidText, cmd, _ := strings.Cut(s, " ")
	pid, err := strconv.Atoi(pidText)
	if err != nil || pid <= 0 {
		return Entry{}, fmt.Errorf("%w: %q", ErrMalformedEntry, line)
	}

	return Entry{PID: pid, Command: strings.TrimLeft(cmd, " ")}, nil
}

// cleanCommand makes a command storable on a single line. Live commands are
// passed through it too before they are compared with recorded ones.
func cleanCommand(cmd string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}

		return r
	}, cmd)
}

// lockPath builds dir/prefix+basename(device).
func lockPath(dir, prefix, device string) (string, error) {
	base := filepath.Base(device)
	if device == "" || base == "." || base == "/" || base == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidDevice, device)
	}

	return filepath.Join(dir, prefix+base), nil
}

// TempPath returns the name of the rewrite file a clearer with pid uses.
func TempPath(path string, pid int) string {
	return path + "." + strconv.Itoa(pid)
}
