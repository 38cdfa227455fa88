package device

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/streamer/memutils"
)

// WrapError annotates an error reported by a device implementation and marks it as
// memutils.ErrDeviceObject, so callers can tell backing-store failures from capacity exhaustion
func WrapError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), memutils.ErrDeviceObject)
}
