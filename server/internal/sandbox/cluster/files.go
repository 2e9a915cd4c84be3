package cluster

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/obot-platform/buildbox/server/internal/sandbox"
	"github.com/obot-platform/buildbox/server/internal/workspace"
)

// Paths inside a unit.
const (
	WorkspaceDir = "/workspace"
	OutputsDir   = WorkspaceDir + "/outputs"
	WebDir       = OutputsDir + "/web"
	previewLog   = WorkspaceDir + "/preview.log"
)

// Exit codes used by the file scripts to report why they failed.
const (
	exitNotExist = 44
	exitNotDir   = 45
	exitIsDir    = 46
)

const findFormat = `%y\t%s\t%T@\t%f\n`

// outputsPath confines a caller-supplied path to the outputs directory. It
// returns the cleaned relative path and the absolute path inside the unit.
func outputsPath(p string) (string, string, error) {
	rel, err := workspace.CleanRelative(p)
	if err != nil {
		return "", "", err
	}
	return rel, path.Join(OutputsDir, rel), nil
}

// listScript lists dir one level deep in findFormat.
func listScript(dir string) []string {
	q := shellquote.Join(dir)
	script := fmt.Sprintf(
		"[ -e %[1]s ] || exit %[2]d; [ -d %[1]s ] || exit %[3]d; exec find %[1]s -mindepth 1 -maxdepth 1 -printf %[4]s",
		q, exitNotExist, exitNotDir, shellquote.Join(findFormat))
	return []string{"sh", "-c", script}
}

// readScript prints the regular file at p.
func readScript(p string) []string {
	q := shellquote.Join(p)
	script := fmt.Sprintf(
		"[ -e %[1]s ] || exit %[2]d; [ -d %[1]s ] && exit %[3]d; exec cat -- %[1]s",
		q, exitNotExist, exitIsDir)
	return []string{"sh", "-c", script}
}

// scriptError maps a file script's exit code to a sandbox error.
func scriptError(rel string, res *ExecResult) error {
	switch res.ExitCode {
	case 0:
		return nil
	case exitNotExist:
		return fmt.Errorf("%w: %s", sandbox.ErrPathNotFound, rel)
	case exitNotDir:
		return fmt.Errorf("%w: %s", sandbox.ErrNotDirectory, rel)
	case exitIsDir:
		return fmt.Errorf("%w: %s", sandbox.ErrIsDirectory, rel)
	}
	return fmt.Errorf("command exited with code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
}

// parseFind parses find output in findFormat into entries under rel.
func parseFind(rel string, out []byte) []sandbox.FileEntry {
	var entries []sandbox.FileEntry
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), "\t", 4)
		if len(fields) != 4 || fields[3] == "" {
			continue
		}
		name := fields[3]
		e := sandbox.FileEntry{
			Name:  name,
			Path:  path.Join(rel, name),
			IsDir: fields[0] == "d",
		}
		if !e.IsDir {
			if size, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				e.Size = &size
			}
		}
		if secs, err := strconv.ParseFloat(fields[2], 64); err == nil {
			whole, frac := math.Modf(secs)
			mt := time.Unix(int64(whole), int64(frac*1e9)).UTC()
			e.ModTime = &mt
		}
		entries = append(entries, e)
	}
	workspace.SortEntries(entries)
	return entries
}

// tarFile returns a tar stream holding a single regular file.
func tarFile(name string, data []byte) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
