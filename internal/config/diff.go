package config

import "github.com/MrWong99/rtpcast/internal/stream"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; media and
// speech changes are reported as a flag only.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Added and Changed are in the order of the new config, Removed in the
	// order of the old one.
	Added   []stream.Config
	Removed []string
	Changed []stream.Config

	// RestartRequired is true if the server, media or speech sections
	// changed.
	RestartRequired bool
}

// StreamsChanged reports whether any stream was added, removed or changed.
func (d ConfigDiff) StreamsChanged() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Changed) > 0
}

// Diff compares old and new configs and returns what changed. Streams are
// matched by ID.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!sameTLS(old.Server.TLS, new.Server.TLS) ||
		old.Media != new.Media ||
		old.Speech != new.Speech {
		d.RestartRequired = true
	}

	oldStreams := make(map[string]stream.Config, len(old.Streams))
	for _, sc := range old.Streams {
		oldStreams[sc.ID] = sc
	}
	newStreams := make(map[string]stream.Config, len(new.Streams))
	for _, sc := range new.Streams {
		newStreams[sc.ID] = sc
	}

	for _, sc := range old.Streams {
		if _, ok := newStreams[sc.ID]; !ok {
			d.Removed = append(d.Removed, sc.ID)
		}
	}
	for _, sc := range new.Streams {
		prev, ok := oldStreams[sc.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, sc)
		case prev != sc:
			d.Changed = append(d.Changed, sc)
		}
	}

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
