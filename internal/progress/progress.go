// Package progress renders byte-count progress for long transfers.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

const updateInterval = 50 * time.Millisecond

// Bar wraps progressbar with enabled/disabled handling.
// All methods are no-ops when disabled.
type Bar struct {
	bar *progressbar.ProgressBar
	out io.Writer
}

// Factory creates bars that are either all enabled or all disabled.
type Factory struct {
	Enabled bool
	Out     io.Writer // default: os.Stderr
}

// Bytes creates a byte-count bar for total bytes with the given description.
// Use total=-1 for spinner mode.
func (f Factory) Bytes(total int64, description string) *Bar {
	if !f.Enabled {
		return &Bar{}
	}
	out := f.Out
	if out == nil {
		out = os.Stderr
	}

	opts := []progressbar.Option{
		progressbar.OptionSetWriter(out),
		progressbar.OptionThrottle(updateInterval),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
	}

	if total < 0 {
		// Spinner mode
		opts = append(opts,
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetElapsedTime(false),
		)
		return &Bar{bar: progressbar.NewOptions64(-1, opts...), out: out}
	}

	opts = append(opts, progressbar.OptionSetWidth(40))
	return &Bar{bar: progressbar.NewOptions64(total, opts...), out: out}
}

// Writer returns a sink that advances the bar by the bytes written to it,
// for use with io.TeeReader or io.MultiWriter.
func (b *Bar) Writer() io.Writer {
	if b.bar == nil {
		return io.Discard
	}
	return b.bar
}

// Set sets the progress bar to a specific value.
func (b *Bar) Set(n int64) {
	if b.bar != nil {
		_ = b.bar.Set64(n)
	}
}

// Describe updates the progress bar description.
func (b *Bar) Describe(s string) {
	if b.bar != nil {
		b.bar.Describe(s)
	}
}

// Finish completes the progress bar and prints a final message.
func (b *Bar) Finish(msg string) {
	if b.bar != nil {
		_ = b.bar.Finish()
		fmt.Fprintln(b.out, "✔ "+msg)
	}
}
