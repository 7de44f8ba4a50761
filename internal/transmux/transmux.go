// Package transmux is the seam between the engine's capability.Transmuxer
// consumers (TrackState, MediaSourceEngine) and the concrete container
// converters living in its subpackages. Consumers depend only on
// capability.Transmuxer; New chooses the engine's default implementation so
// that a future additional source container (e.g. raw elementary streams)
// can be added as a sibling of tsmp4 without touching call sites.
package transmux

import (
	"log/slog"

	"github.com/zsiec/streamcore/internal/capability"
	"github.com/zsiec/streamcore/internal/transmux/tsmp4"
)

// New returns the engine's default Transmuxer: MPEG-TS source segments to
// fragmented MP4. log may be nil.
func New(log *slog.Logger) capability.Transmuxer {
	return tsmp4.New(log)
}
