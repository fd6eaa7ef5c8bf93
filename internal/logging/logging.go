// Package logging configures the process-wide apex/log logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

// EnvLevel names the environment variable holding the default log level.
const EnvLevel = "REPOPULSE_LOG"

// Init installs a Handler writing to w and sets the level from REPOPULSE_LOG.
// verbose forces debug level.
func Init(w io.Writer, verbose bool) {
	if w == nil {
		w = os.Stderr
	}
	level := strings.ToUpper(strings.TrimSpace(os.Getenv(EnvLevel)))
	if level == "" {
		level = "INFO"
	}
	if verbose {
		level = "DEBUG"
	}
	log.SetHandler(NewHandler(w))
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// Handler writes one line per entry: timestamp, level initial, message, then
// fields sorted by name.
type Handler struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func NewHandler(w io.Writer) *Handler {
	return &Handler{w: w, now: time.Now}
}

// HandleLog implements the log.Handler interface.
func (h *Handler) HandleLog(e *log.Entry) error {
	var b strings.Builder
	b.WriteString(h.now().Format("2006-01-02 15:04:05"))
	b.WriteByte(' ')
	level := strings.ToUpper(e.Level.String())
	fmt.Fprintf(&b, "%.1s %s", level, e.Message)

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%v", name, e.Fields[name])
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}
