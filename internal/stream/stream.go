// Package stream holds the value types shared by the orchestration layer:
// the per-stream configuration received at create time and the read-only
// snapshot returned by lookups.
package stream

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/rtpcast/pkg/media"
)

// ErrInvalidConfig is wrapped by every error returned from [Config.Validate].
var ErrInvalidConfig = errors.New("stream: invalid config")

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Kind selects the source adapter feeding a stream.
type Kind string

const (
	// KindTest is a fixed sawtooth test tone.
	KindTest Kind = "test"

	// KindPlaylist decodes a cyclic list of files.
	KindPlaylist Kind = "playlist"

	// KindAnnouncer speaks the current wall-clock time periodically.
	KindAnnouncer Kind = "announcer"
)

// Kinds lists every valid source kind.
func Kinds() []Kind { return []Kind{KindTest, KindPlaylist, KindAnnouncer} }

// IsValid reports whether k is a known source kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindTest, KindPlaylist, KindAnnouncer:
		return true
	}
	return false
}

// Config describes one stream. It is a value: the orchestration layer never
// writes it back anywhere.
type Config struct {
	// ID is the unique stream key, matching ^[a-z][a-z0-9_]*$.
	ID string `yaml:"id"`

	// DestHost is the host the RTP packets are sent to.
	DestHost string `yaml:"dest_host"`

	// DestPort is the UDP destination port. Zero is rejected.
	DestPort uint16 `yaml:"dest_port"`

	// Source selects the source adapter.
	Source Kind `yaml:"source"`
}

// Validate checks c and returns every problem found, joined. Each joined
// error wraps [ErrInvalidConfig].
func (c Config) Validate() error {
	var errs []error
	if !idPattern.MatchString(c.ID) {
		errs = append(errs, fmt.Errorf("%w: id %q must match %s", ErrInvalidConfig, c.ID, idPattern))
	}
	if strings.TrimSpace(c.DestHost) == "" {
		errs = append(errs, fmt.Errorf("%w: dest_host is required", ErrInvalidConfig))
	}
	if c.DestPort == 0 {
		errs = append(errs, fmt.Errorf("%w: dest_port must be non-zero", ErrInvalidConfig))
	}
	if !c.Source.IsValid() {
		errs = append(errs, fmt.Errorf("%w: source %q must be one of %v", ErrInvalidConfig, c.Source, Kinds()))
	}
	return errors.Join(errs...)
}

// Addr returns "host:port".
func (c Config) Addr() string {
	return net.JoinHostPort(c.DestHost, strconv.Itoa(int(c.DestPort)))
}

// Status is the lifecycle status reported in a [Snapshot].
type Status string

const (
	StatusStarting Status = "starting"
	StatusPlaying  Status = "playing"
	StatusDrained  Status = "drained"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// Snapshot is an immutable view of one stream.
type Snapshot struct {
	ID       string
	DestHost string
	DestPort uint16
	Source   Kind

	Status Status

	// State is the last graph state confirmed by the engine.
	State media.State

	// Live is true once the graph root confirmed PLAYING.
	Live bool

	// Title is the last distinct "title" tag seen.
	Title string

	// CurrentItem is the active playlist path, if any.
	CurrentItem string

	StartedAt time.Time

	// LastError holds the text of the error that failed the stream.
	LastError string
}
