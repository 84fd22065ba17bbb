package chainstate

import (
	"hash"
	"path/filepath"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/dongnanpro/gotts/pmmr"
)

// PmmrHandle owns one file-backed MMR (prunable for the two output MMRs,
// not for Kernel or the header MMR) and the logging/identity wrapper
// around it. There is one handle per body MMR (OutputI, OutputII,
// Kernel) plus one for the header MMR.
type PmmrHandle[T pmmr.Element] struct {
	*pmmr.Backend[T]
	name string
	log  logger.Logger
}

// OpenPmmrHandle opens (or creates) the backend rooted at <rootDir>/<name>.
func OpenPmmrHandle[T pmmr.Element](rootDir, name string, prunable bool, newHasher func() hash.Hash, decode pmmr.Decoder[T], log logger.Logger) (*PmmrHandle[T], error) {
	backend, err := pmmr.Open[T](filepath.Join(rootDir, name), prunable, newHasher, decode)
	if err != nil {
		return nil, err
	}
	return &PmmrHandle[T]{Backend: backend, name: name, log: log}, nil
}

// Name is the handle's identity, used in log lines and error messages.
func (h *PmmrHandle[T]) Name() string { return h.name }

// Sync flushes the backend and logs the resulting size, mirroring the
// debug line the original commit path emits per MMR on every block commit.
func (h *PmmrHandle[T]) Sync() error {
	if err := h.Backend.Sync(); err != nil {
		return err
	}
	if h.log != nil {
		logger.Sugar.Debugf("pmmr %s: synced, size=%d", h.name, h.Backend.UnprunedSize())
	}
	return nil
}
