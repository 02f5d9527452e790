package phases

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ivoronin/fusestress/internal/executor"
	"github.com/ivoronin/fusestress/internal/identity"
	"github.com/ivoronin/fusestress/internal/testfs"
	"github.com/ivoronin/fusestress/internal/verifier"
)

var (
	permContent  = []byte("permission test content\n")
	permAppended = []byte("appended by secondary\n")
)

// IdentitySource yields the secondary identity, creating it if needed.
type IdentitySource interface {
	Ensure(ctx context.Context) (*identity.Identity, error)
}

// Permissions checks owner and mode enforcement against a second identity.
//
//	| Step | Owner       | Mode | Secondary read | Secondary append | Privileged read |
//	|------|-------------|------|----------------|------------------|-----------------|
//	| 1,2  | invoker     | 0600 | denied         | denied           |                 |
//	| 3    | invoker     | 0644 | allowed        | denied           |                 |
//	| 4    | secondary   | 0644 |                | allowed          |                 |
//	| 5    | secondary   | 0600 |                |                  | allowed         |
//
// The invoker is expected to be root, so step 5 exercises the superuser
// bypass. Operations as the invoker go through the os package; operations
// as the secondary identity go through the impersonating executor.
type Permissions struct {
	Identities IdentitySource
}

// Name implements Phase.
func (Permissions) Name() string { return "perm" }

// Run implements Phase.
func (p Permissions) Run(ctx context.Context, env *Env) error {
	checks := env.Reporter.Phase(p.Name())

	id, err := p.Identities.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("provision identity: %w", err)
	}
	checks.Pass("identity %s ready", id.Owner())

	path := filepath.Join(env.MountPoint, "perm_test.txt")
	defer removeQuietly(env.Log, path)

	if err := testfs.WriteFile(path, permContent, 0o600); err != nil {
		return fsErr("create "+path, err)
	}
	// The create mode is subject to umask; make it exact.
	if err := os.Chmod(path, 0o600); err != nil {
		return fsErr("chmod 0600 "+path, err)
	}
	if err := os.Chown(path, os.Getuid(), os.Getgid()); err != nil {
		return fsErr("chown "+path, err)
	}
	if err := expectMode(path, 0o600); err != nil {
		return err
	}

	cat := executor.Command{Argv: []string{"cat", path}, As: id}
	appendCmd := executor.Command{Argv: executor.AppendArgv(path, string(permAppended)), As: id}

	// 1, 2
	if _, err := executor.MustFail(ctx, env.Run, cat, "secondary read of 0600 file"); err != nil {
		return err
	}
	checks.Pass("secondary read denied at 0600")
	if _, err := executor.MustFail(ctx, env.Run, appendCmd, "secondary append to 0600 file"); err != nil {
		return err
	}
	checks.Pass("secondary append denied at 0600")

	// 3
	if err := os.Chmod(path, 0o644); err != nil {
		return fsErr("chmod 0644 "+path, err)
	}
	res, err := env.Run.Run(ctx, cat)
	if err != nil {
		return fmt.Errorf("secondary read of 0644 file: %w", err)
	}
	if err := verifier.AssertEqual(verifier.HashBytes(permContent), verifier.HashBytes([]byte(res.Stdout)),
		"secondary read content"); err != nil {
		return err
	}
	checks.Pass("secondary read allowed at 0644")
	if _, err := executor.MustFail(ctx, env.Run, appendCmd, "secondary append to 0644 file"); err != nil {
		return err
	}
	checks.Pass("secondary append still denied at 0644")

	// 4
	chown := executor.Command{Argv: []string{"chown", id.Owner(), path}}
	if _, err := env.Run.Run(ctx, chown); err != nil {
		return fmt.Errorf("chown to secondary: %w", err)
	}
	if _, err := env.Run.Run(ctx, appendCmd); err != nil {
		return fmt.Errorf("secondary append as owner: %w", err)
	}
	want := append(append([]byte{}, permContent...), permAppended...)
	if err := readExpect(path, want, "content after owner append"); err != nil {
		return err
	}
	checks.Pass("owner append preserved existing content")

	// 5
	chmod := executor.Command{Argv: []string{"chmod", "0600", path}, As: id}
	if _, err := env.Run.Run(ctx, chmod); err != nil {
		return fmt.Errorf("owner chmod 0600: %w", err)
	}
	if err := expectMode(path, 0o600); err != nil {
		return err
	}
	if err := readExpect(path, want, "privileged read of 0600 file"); err != nil {
		return err
	}
	checks.Pass("privileged read bypasses 0600")

	if err := removeExpectGone(path); err != nil {
		return err
	}
	return nil
}

// expectMode asserts the permission bits of path.
func expectMode(path string, want os.FileMode) error {
	e, err := testfs.Inspect(path)
	if err != nil {
		return fsErr("lstat "+path, err)
	}
	return expect("mode of "+path, want, e.Mode.Perm())
}
