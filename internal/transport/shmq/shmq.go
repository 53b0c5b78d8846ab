//go:build unix

package shmq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yairfalse/runtap/internal/transport"
	"github.com/yairfalse/runtap/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ProviderName is the registry name of this provider
const ProviderName = "shmq"

var (
	// ErrMessageTooLarge is returned for a message that can never fit the ring
	ErrMessageTooLarge = errors.New("message exceeds endpoint size")

	// ErrLayoutMismatch is returned when an existing file was created with a
	// different layout or size
	ErrLayoutMismatch = errors.New("endpoint file layout mismatch")

	// ErrCorruptRecord is returned when a record header points outside the
	// written part of the ring. The unread records are discarded.
	ErrCorruptRecord = errors.New("corrupt record in endpoint")
)

func init() {
	transport.Register(ProviderName, func(cfg *config.Config, logger *zap.Logger) (transport.Provider, error) {
		return New(cfg.SHM.Dir, logger)
	})
}

// Provider maps endpoint files from one directory
type Provider struct {
	dir    string
	logger *zap.Logger
}

// New creates a provider rooted at dir
func New(dir string, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("shm directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("shm directory %s is not a directory", dir)
	}
	return &Provider{dir: dir, logger: logger.Named("shmq")}, nil
}

func (p *Provider) Name() string {
	return ProviderName
}

// Path returns the file backing the named endpoint
func (p *Provider) Path(name string) string {
	return filepath.Join(p.dir, name)
}

// Remove deletes the file backing the named endpoint
func (p *Provider) Remove(name string) error {
	if err := os.Remove(p.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// NewProducer maps ep for writing, creating the file on first use
func (p *Provider) NewProducer(ep transport.Endpoint) (transport.Producer, error) {
	r, err := p.open(ep)
	if err != nil {
		return nil, err
	}
	return &producer{ring: r}, nil
}

// NewConsumer maps ep for reading, creating the file on first use
func (p *Provider) NewConsumer(ep transport.Endpoint) (transport.Consumer, error) {
	r, err := p.open(ep)
	if err != nil {
		return nil, err
	}
	return &consumer{ring: r}, nil
}

func (p *Provider) open(ep transport.Endpoint) (*ring, error) {
	if ep.Name == "" || strings.ContainsRune(ep.Name, os.PathSeparator) {
		return nil, fmt.Errorf("invalid endpoint name %q", ep.Name)
	}
	if ep.Size <= 0 {
		return nil, fmt.Errorf("endpoint %s: size must be positive, got %d", ep.Name, ep.Size)
	}

	capacity := align(uint64(ep.Size))
	total := int(headerSize + capacity)
	path := p.Path(ep.Name)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// Closing the descriptor also drops the lock
	locked := false
	cleanup := func() {
		locked = false
		_ = unix.Close(fd)
	}

	// Both sides may race to create the file
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	locked = true
	defer func() {
		if locked {
			_ = unix.Flock(fd, unix.LOCK_UN)
		}
	}()

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	fresh := st.Size == 0
	if fresh {
		if err := unix.Ftruncate(fd, int64(total)); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to size %s: %w", path, err)
		}
	} else if st.Size != int64(total) {
		cleanup()
		return nil, fmt.Errorf("%w: %s has %d bytes, expected %d", ErrLayoutMismatch, path, st.Size, total)
	}

	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}

	r := newRing(ep.Name, fd, mem)
	if fresh {
		r.init(capacity)
		p.logger.Debug("Endpoint created",
			zap.String("path", path),
			zap.Uint64("capacity", capacity))
	} else if err := r.check(capacity); err != nil {
		locked = false
		_ = r.close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}
