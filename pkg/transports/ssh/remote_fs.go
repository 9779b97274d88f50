package ssh

import (
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/pkg/sftp"
)

// RemoteFS is a read-only fs.FS over SFTP, rooted at a remote directory.
// The package database reader uses it to read /var/db/pkg without shelling
// out on the host.
type RemoteFS struct {
	client *sftp.Client
	root   string
}

var (
	_ fs.ReadDirFS  = (*RemoteFS)(nil)
	_ fs.ReadFileFS = (*RemoteFS)(nil)
	_ fs.StatFS     = (*RemoteFS)(nil)
)

// NewRemoteFS returns the file system below root on the remote host.
func NewRemoteFS(client *sftp.Client, root string) *RemoteFS {
	return &RemoteFS{client: client, root: root}
}

// FS opens the SFTP subsystem and returns the remote tree below root.
func (c *Client) FS(root string) (*RemoteFS, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	return NewRemoteFS(client, root), nil
}

func (r *RemoteFS) resolve(op, name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	return path.Join(r.root, name), nil
}

// Open opens the named file or directory.
func (r *RemoteFS) Open(name string) (fs.File, error) {
	full, err := r.resolve("open", name)
	if err != nil {
		return nil, err
	}

	info, err := r.client.Stat(full)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	if info.IsDir() {
		return &remoteDir{fsys: r, name: name, info: info}, nil
	}

	f, err := r.client.Open(full)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return f, nil
}

// Stat returns the file info of name.
func (r *RemoteFS) Stat(name string) (fs.FileInfo, error) {
	full, err := r.resolve("stat", name)
	if err != nil {
		return nil, err
	}
	info, err := r.client.Stat(full)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return info, nil
}

// ReadDir returns the entries of a directory sorted by name.
func (r *RemoteFS) ReadDir(name string) ([]fs.DirEntry, error) {
	full, err := r.resolve("readdir", name)
	if err != nil {
		return nil, err
	}
	infos, err := r.client.ReadDir(full)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}

	entries := make([]fs.DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, fs.FileInfoToDirEntry(info))
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}

// ReadFile reads a whole file.
func (r *RemoteFS) ReadFile(name string) ([]byte, error) {
	full, err := r.resolve("readfile", name)
	if err != nil {
		return nil, err
	}
	f, err := r.client.Open(full)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}
	return data, nil
}

type remoteDir struct {
	fsys    *RemoteFS
	name    string
	info    fs.FileInfo
	entries []fs.DirEntry
	read    bool
}

func (d *remoteDir) Stat() (fs.FileInfo, error) { return d.info, nil }

func (d *remoteDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: fs.ErrInvalid}
}

func (d *remoteDir) Close() error { return nil }

func (d *remoteDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if !d.read {
		entries, err := d.fsys.ReadDir(d.name)
		if err != nil {
			return nil, err
		}
		d.entries = entries
		d.read = true
	}

	if n <= 0 {
		out := d.entries
		d.entries = nil
		return out, nil
	}
	if len(d.entries) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(d.entries))
	out := d.entries[:n]
	d.entries = d.entries[n:]
	return out, nil
}
