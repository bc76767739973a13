package jobs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// stagingSuffix marks a file still being written into the ingest directory.
// Library tools watching the directory skip it.
const stagingSuffix = ".crdownload"

// promote moves src into dir as name. The file is first placed under a
// staging name and then renamed, so the final name only ever refers to a
// complete file. An existing file with the same name is replaced.
func promote(src, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create ingest dir: %w", err)
	}

	final := filepath.Join(dir, name)
	staging := final + stagingSuffix

	if err := os.Rename(src, staging); err != nil {
		// Different filesystem; fall back to copying.
		if err := copyFile(src, staging); err != nil {
			os.Remove(staging)
			return "", fmt.Errorf("failed to stage file: %w", err)
		}
		os.Remove(src)
	}

	if err := os.Rename(staging, final); err != nil {
		os.Remove(staging)
		return "", fmt.Errorf("failed to move file into ingest dir: %w", err)
	}
	return final, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
