package jetstream

import (
	"slices"

	"github.com/nats-io/nats.go"
)

// streamConfigEqual reports whether the server already holds the settings SetupStream
// manages. Subject order does not matter; fields the server fills in on its own are ignored.
func streamConfigEqual(have, want nats.StreamConfig) bool {
	if have.Name != want.Name ||
		have.Retention != want.Retention ||
		have.Storage != want.Storage ||
		have.MaxAge != want.MaxAge ||
		have.MaxMsgs != want.MaxMsgs {
		return false
	}
	a := slices.Clone(have.Subjects)
	b := slices.Clone(want.Subjects)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
