package provision

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// bootstrapName is the executable name the provided.* runtimes start.
const bootstrapName = "bootstrap"

// Builder compiles the handler package into a single executable at out.
type Builder interface {
	Build(ctx context.Context, pkg, out string) error
}

// GoBuilder cross-compiles with the local go toolchain.
type GoBuilder struct {
	// GOARCH is derived from the function architecture: arm64 or amd64.
	GOARCH string
	// Dir is the module root; empty means the working directory.
	Dir string
}

// NewGoBuilder returns a builder for the given Lambda architecture.
func NewGoBuilder(architecture string) GoBuilder {
	arch := "arm64"
	if architecture == "x86_64" {
		arch = "amd64"
	}
	return GoBuilder{GOARCH: arch}
}

func (b GoBuilder) Build(ctx context.Context, pkg, out string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-tags", "lambda.norpc", "-trimpath", "-o", out, pkg)
	cmd.Dir = b.Dir
	cmd.Env = append(os.Environ(), "GOOS=linux", "GOARCH="+b.GOARCH, "CGO_ENABLED=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s: %w: %s", pkg, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Package builds pkg into a fresh scratch directory and zips the resulting
// bootstrap into artifact. The scratch directory is removed whether or not
// any step succeeds.
func Package(ctx context.Context, builder Builder, pkg, artifact string) error {
	scratch, err := os.MkdirTemp("", "quote-archiver-build-")
	if err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	bin := filepath.Join(scratch, bootstrapName)
	if err := builder.Build(ctx, pkg, bin); err != nil {
		return err
	}
	return zipExecutable(bin, artifact)
}

func zipExecutable(bin, artifact string) (err error) {
	src, err := os.Open(bin)
	if err != nil {
		return fmt.Errorf("opening build output: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(artifact)
	if err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(out)
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = bootstrapName
	hdr.Method = zip.Deflate
	// Lambda runs the file as is; it must stay executable.
	hdr.SetMode(0o755)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	return zw.Close()
}
