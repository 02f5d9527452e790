package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/ivoronin/fusestress/internal/failure"
)

// newLogger creates a text logger at the named level.
func newLogger(level string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log, nil
}

// normalizePhases lower-cases phase names and drops empties and duplicates.
func normalizePhases(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// printError writes the final error. Classified errors already name their kind.
func printError(w io.Writer, err error) {
	if failure.KindOf(err) != 0 {
		fmt.Fprintln(w, color.RedString("%v", err))
		return
	}
	fmt.Fprintln(w, color.RedString("error: %v", err))
}
