//go:build linux

package resource

import (
	"path"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const DefaultMaxPathLen = 200

var (
	ErrNotFound  = errors.New("resource not found")
	ErrForbidden = errors.New("resource is not world-readable")
	ErrDirectory = errors.New("resource is a directory")
)

// Info is the filesystem metadata consulted before a file is mapped.
type Info struct {
	Size          int64
	Mode          uint32
	Dir           bool
	WorldReadable bool
}

func infoFromStat(st *unix.Stat_t) Info {
	return Info{
		Size:          st.Size,
		Mode:          st.Mode,
		Dir:           st.Mode&unix.S_IFMT == unix.S_IFDIR,
		WorldReadable: st.Mode&unix.S_IROTH != 0,
	}
}

// Resolver maps request paths onto files below a document root.
type Resolver struct {
	root       string
	maxPathLen int
	sanitize   bool
}

// NewResolver returns a resolver for root. Resolved paths are cut to maxPathLen-1 bytes.
// With sanitize set, dot segments are collapsed before the path is joined to root, so a
// request can never name a file outside it; otherwise the path is appended verbatim.
func NewResolver(root string, maxPathLen int, sanitize bool) *Resolver {
	if maxPathLen <= 0 {
		maxPathLen = DefaultMaxPathLen
	}
	return &Resolver{
		root:       root,
		maxPathLen: maxPathLen,
		sanitize:   sanitize,
	}
}

func (r *Resolver) Root() string {
	return r.root
}

// Path returns the filesystem path a request target resolves to.
func (r *Resolver) Path(target string) string {
	if r.sanitize {
		target = path.Clean("/" + target)
	}
	full := r.root + target
	if len(full) > r.maxPathLen-1 {
		full = full[:r.maxPathLen-1]
	}
	return full
}

// Stat reports the metadata of the file target resolves to.
func (r *Resolver) Stat(target string) (string, Info, error) {
	p := r.Path(target)
	var st unix.Stat_t
	if err := unix.Stat(p, &st); err != nil {
		return p, Info{}, errors.Wrapf(ErrNotFound, "stat %s: %v", p, err)
	}
	return p, infoFromStat(&st), nil
}

// Resolve checks and maps the file for target. The returned Mapping must be released by
// the caller once the response has been sent or abandoned.
func (r *Resolver) Resolve(target string) (*Mapping, error) {
	p, info, err := r.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.WorldReadable {
		return nil, errors.Wrap(ErrForbidden, p)
	}
	if info.Dir {
		return nil, errors.Wrap(ErrDirectory, p)
	}
	return mapFile(p, info)
}
