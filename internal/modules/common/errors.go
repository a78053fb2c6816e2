package common

import "errors"

// HandleErrors drains errCh and joins every non-nil error. The channel must
// be closed by the sender.
func HandleErrors(errCh <-chan error) error {
	var errs []error
	for err := range errCh {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
