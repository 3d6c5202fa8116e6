// Package nvme resolves open files to the NVMe controller that backs them.
package nvme

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/ssddma-go/dma"
)

// DefaultSysfs is the sysfs mount point consulted by NewResolver.
const DefaultSysfs = "/sys"

// Controller is the device context of one NVMe controller or subsystem.
type Controller struct {
	name string
	path string
	refs int
}

var _ dma.DeviceContext = (*Controller)(nil)

// Name returns the controller name, e.g. "nvme0".
func (c *Controller) Name() string { return c.name }

// Path returns the resolved sysfs path of the namespace that was opened.
func (c *Controller) Path() string { return c.path }

// Option configures a Resolver.
type Option func(*Resolver)

// WithSysfs sets the sysfs root.
func WithSysfs(root string) Option {
	return func(r *Resolver) { r.sysfs = root }
}

// WithLogger sets the resolver logger.
func WithLogger(l dma.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// Resolver implements dma.Resolver for files on NVMe namespaces. Contexts are
// shared per controller and dropped when the last reference is released.
type Resolver struct {
	sysfs  string
	logger dma.Logger

	mu    sync.Mutex
	ctrls map[string]*Controller
}

var _ dma.Resolver = (*Resolver)(nil)

// NewResolver returns a Resolver reading DefaultSysfs unless overridden.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{sysfs: DefaultSysfs, ctrls: make(map[string]*Controller)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the controller of the namespace f lives on. Block and NVMe
// generic character devices are resolved directly; regular files through the
// device of their filesystem.
func (r *Resolver) Resolve(f *os.File) (dma.DeviceContext, error) {
	if f == nil {
		return nil, fmt.Errorf("nvme: nil file: %w", dma.ErrBadDescriptor)
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, fmt.Errorf("nvme: fstat %s: %v: %w", f.Name(), err, dma.ErrBadDescriptor)
	}

	var class string
	var dev uint64
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		class, dev = "block", uint64(st.Rdev)
	case unix.S_IFCHR:
		class, dev = "char", uint64(st.Rdev)
	case unix.S_IFREG:
		class, dev = "block", uint64(st.Dev)
	default:
		return nil, fmt.Errorf("nvme: %s has unsupported file type %#o: %w", f.Name(), st.Mode&unix.S_IFMT, dma.ErrBadDescriptor)
	}

	link := filepath.Join(r.sysfs, "dev", class, fmt.Sprintf("%d:%d", unix.Major(dev), unix.Minor(dev)))
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return nil, fmt.Errorf("nvme: %s: %v: %w", link, err, dma.ErrBadDescriptor)
	}
	name, ok := controllerName(target)
	if !ok {
		return nil, fmt.Errorf("nvme: %s is not an NVMe namespace (%s): %w", f.Name(), target, dma.ErrBadDescriptor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.ctrls[name]
	if !ok {
		c = &Controller{name: name, path: target}
		r.ctrls[name] = c
	}
	c.refs++
	r.debugf("resolved %s to %s refs=%d", f.Name(), name, c.refs)
	return c, nil
}

// Release drops one reference to dev.
func (r *Resolver) Release(dev dma.DeviceContext) {
	c, ok := dev.(*Controller)
	if !ok || c == nil {
		r.warnf("release of foreign device context %v", dev)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.ctrls[c.name]; !ok || cur != c || c.refs == 0 {
		r.warnf("release of unreferenced controller %s", c.name)
		return
	}
	c.refs--
	if c.refs == 0 {
		delete(r.ctrls, c.name)
	}
}

// Refs returns the outstanding references to the named controller.
func (r *Resolver) Refs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.ctrls[name]; ok {
		return c.refs
	}
	return 0
}

// controllerName extracts the controller from a sysfs device path such as
// .../nvme/nvme0/nvme0n1/nvme0n1p1 or .../nvme-subsystem/nvme-subsys0/nvme0n1.
func controllerName(path string) (string, bool) {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i := 0; i+1 < len(parts); i++ {
		switch parts[i] {
		case "nvme", "nvme-subsystem":
			if strings.HasPrefix(parts[i+1], "nvme") {
				return parts[i+1], true
			}
		}
	}
	return "", false
}

func (r *Resolver) debugf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Debugf(format, args...)
	}
}

func (r *Resolver) warnf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Warnf(format, args...)
	}
}
