package phases

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/ivoronin/fusestress/internal/executor"
	"github.com/ivoronin/fusestress/internal/failure"
	"github.com/ivoronin/fusestress/internal/testfs"
	"github.com/ivoronin/fusestress/internal/verifier"
)

// LargeFile copies one large random file into the mount and back out.
//
//	scratch/large_src.bin ──dd oflag=direct──▶ mnt/large_file.bin ──dd iflag=direct──▶ scratch/large_back.bin
//	         │                                        │                                        │
//	      digest ═══════════════════════════════ digest ══════════════════════════════════ digest
type LargeFile struct {
	Size      int64
	BlockSize int64
	Direct    bool // Use O_DIRECT on the mount side of each copy
}

// Name implements Phase.
func (LargeFile) Name() string { return "large" }

// Run implements Phase.
func (p LargeFile) Run(ctx context.Context, env *Env) error {
	checks := env.Reporter.Phase(p.Name())
	src := filepath.Join(env.Scratch, "large_src.bin")
	back := filepath.Join(env.Scratch, "large_back.bin")
	dst := filepath.Join(env.MountPoint, "large_file.bin")
	defer removeQuietly(env.Log, src, back, dst)

	size := humanize.IBytes(uint64(p.Size))

	// Generate and fingerprint in one pass.
	sum := verifier.NewWriter()
	bar := env.Progress.Bytes(p.Size, "generate")
	if err := testfs.WriteRandomFile(src, p.Size, sum, bar.Writer()); err != nil {
		return failure.Wrap(failure.Configuration, "generate source", err)
	}
	bar.Finish("generated " + size)
	want := sum.Digest()
	checks.Pass("generated %s source (sha256 %s)", size, want[:12])

	if err := p.copy(ctx, env, src, dst, "oflag=direct"); err != nil {
		return fmt.Errorf("copy into mount: %w", err)
	}
	if err := verifier.AssertSize(dst, p.Size); err != nil {
		return classifyStat(err)
	}
	checks.PassBytes("stored size matches", p.Size)

	if err := p.verify(env, dst, want, "digest in place"); err != nil {
		return err
	}
	checks.Pass("digest in place matches")

	if err := p.copy(ctx, env, dst, back, "iflag=direct"); err != nil {
		return fmt.Errorf("copy out of mount: %w", err)
	}
	if err := verifier.AssertSize(back, p.Size); err != nil {
		return classifyStat(err)
	}
	if err := p.verify(env, back, want, "digest after round trip"); err != nil {
		return err
	}
	checks.Pass("digest after round trip matches")

	if err := removeExpectGone(dst); err != nil {
		return err
	}
	checks.Pass("deleted file no longer resolves")
	return nil
}

// copy runs dd between src and dst with an optional direct I/O flag.
func (p LargeFile) copy(ctx context.Context, env *Env, src, dst, directFlag string) error {
	argv := []string{"dd", "if=" + src, "of=" + dst, "bs=" + strconv.FormatInt(p.BlockSize, 10), "status=none"}
	if p.Direct {
		argv = append(argv, directFlag)
	}
	_, err := env.Run.Run(ctx, executor.Command{Argv: argv})
	return err
}

func (p LargeFile) verify(env *Env, path, want, what string) error {
	bar := env.Progress.Bytes(p.Size, "verify")
	got, err := verifier.HashFile(path, bar.Writer())
	if err != nil {
		return fsErr("read "+path, err)
	}
	bar.Finish(what)
	return verifier.AssertEqual(want, got, what)
}

// classifyStat keeps integrity mismatches and turns stat errors into assertions.
func classifyStat(err error) error {
	if failure.KindOf(err) != 0 {
		return err
	}
	return fsErr("stat", err)
}

// removeExpectGone deletes path and asserts it no longer resolves.
func removeExpectGone(path string) error {
	if err := removeFile(path); err != nil {
		return err
	}
	exists, err := testfs.Exists(path)
	if err != nil {
		return fsErr("lstat "+path, err)
	}
	if exists {
		return failure.New(failure.Assertion, "delete "+path, "still resolves after removal")
	}
	return nil
}
