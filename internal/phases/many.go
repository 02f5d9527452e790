package phases

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/ivoronin/fusestress/internal/failure"
	"github.com/ivoronin/fusestress/internal/testfs"
	"github.com/ivoronin/fusestress/internal/verifier"
)

// ManyFiles writes Count small files, checks the listing and a random sample
// of their contents, then deletes them all.
type ManyFiles struct {
	Count   int
	Size    int64
	Samples int    // Clamped to Count
	Seed    uint64 // Zero picks a random seed
	Dir     string // Subdirectory name inside the mount, default "many_files"
}

// Name implements Phase.
func (ManyFiles) Name() string { return "many" }

// Run implements Phase.
func (p ManyFiles) Run(ctx context.Context, env *Env) error {
	checks := env.Reporter.Phase(p.Name())
	name := p.Dir
	if name == "" {
		name = "many_files"
	}
	dir := filepath.Join(env.MountPoint, name)

	seed := p.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	env.Log.WithField("seed", seed).Debug("many-files content seed")

	if err := os.Mkdir(dir, 0o755); err != nil {
		return fsErr("mkdir "+dir, err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	prints := verifier.NewFingerprints()
	bar := env.Progress.Bytes(int64(p.Count)*p.Size, "write")
	for i := range p.Count {
		if err := ctx.Err(); err != nil {
			return failure.Wrap(failure.Command, "write files", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("file_%05d.txt", i))
		content := testfs.RandomAlnum(rng, int(p.Size))
		if err := testfs.WriteFile(path, content, 0o644); err != nil {
			return fsErr("create "+path, err)
		}
		prints.Record(path, content)
		bar.Set(int64(i+1) * p.Size)
	}
	bar.Finish(fmt.Sprintf("wrote %d files", p.Count))
	checks.Pass("created %d files", p.Count)

	names, err := testfs.List(dir)
	if err != nil {
		return fsErr("list "+dir, err)
	}
	if err := expect("listing of "+dir, p.Count, len(names)); err != nil {
		return err
	}
	checks.Pass("listing has %d entries", p.Count)

	sample := prints.Sample(rng, p.Samples)
	for _, path := range sample {
		if err := prints.Verify(path); err != nil {
			if failure.KindOf(err) == 0 {
				return fsErr("read "+path, err)
			}
			return err
		}
	}
	checks.Pass("%d sampled digests match", len(sample))

	for _, path := range prints.Paths() {
		if err := removeFile(path); err != nil {
			return err
		}
	}
	names, err = testfs.List(dir)
	if err != nil {
		return fsErr("list "+dir, err)
	}
	if err := expect("listing after delete", 0, len(names)); err != nil {
		return err
	}
	checks.Pass("listing empty after deleting %d files", p.Count)

	if err := os.Remove(dir); err != nil {
		return fsErr("rmdir "+dir, err)
	}
	exists, err := testfs.Exists(dir)
	if err != nil {
		return fsErr("lstat "+dir, err)
	}
	if exists {
		return failure.New(failure.Assertion, "rmdir "+dir, "directory still resolves")
	}
	checks.Pass("directory removed")
	return nil
}
