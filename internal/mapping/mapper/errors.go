package mapper

import "errors"

var (
	// ErrConfiguration is returned by New for options that cannot produce a
	// working mapper. The mapper is never started.
	ErrConfiguration = errors.New("mapper configuration error")

	// ErrTransformResolution marks an observation dropped because its frame
	// could not be resolved into the map frame.
	ErrTransformResolution = errors.New("transform resolution failed")

	// ErrRepresentationUpdate marks an observation the map representation
	// refused. The map is unchanged.
	ErrRepresentationUpdate = errors.New("representation update failed")

	// ErrPersistence is returned by SaveMap when the map cannot be written.
	ErrPersistence = errors.New("map persistence failed")

	// ErrAlreadyStarted is returned by Start on a mapper that was started
	// or stopped before.
	ErrAlreadyStarted = errors.New("mapper already started")
)
