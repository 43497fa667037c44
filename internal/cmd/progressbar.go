package cmd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/nguyenvq/arcx"
	"github.com/schollz/progressbar/v3"
)

// progressBar renders an operation's progress reports as a stderr bar. The returned closer stops the render
// without filling the bar, so an aborted operation does not pretend to have finished.
func progressBar(description string) (arcx.ProgressFunc, func()) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true))

	return func(percentage int, _ string) {
		_ = bar.Set(percentage)
	}, func() { _ = bar.Exit() }
}

// newLogger prefixes every line with the file's ordinal and truncated base name.
//
// i and n are the zero-based ordinal and expected count.
func newLogger(i, n int, name flags.Filename) *log.Logger {
	base := filepath.Base(string(name))
	if len(base) > 30 {
		base = base[:27] + "..."
	}
	return log.New(os.Stderr, fmt.Sprintf(`[%d/%d] "%s" - `, i+1, n, base), 0)
}
