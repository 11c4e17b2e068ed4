package sitecache

import (
	"fmt"
)

// PurgeError is returned by PurgeAll. ClearErr is the provider failure;
// ManifestErr is set when the stored manifest survived the clear, which
// leaves the Store claiming a version whose assets may be gone.
type PurgeError struct {
	Namespace   string
	ClearErr    error
	ManifestErr error
}

func (e *PurgeError) Error() string {
	switch {
	case e.ClearErr != nil && e.ManifestErr != nil:
		return fmt.Sprintf("purge %q failed: clear and manifest delete failed: clear=%v; manifest=%v",
			e.Namespace, e.ClearErr, e.ManifestErr)
	case e.ClearErr != nil:
		return fmt.Sprintf("purge %q: clear failed: %v", e.Namespace, e.ClearErr)
	case e.ManifestErr != nil:
		return fmt.Sprintf("purge %q: manifest delete failed: %v", e.Namespace, e.ManifestErr)
	default:
		return fmt.Sprintf("purge %q: unknown error", e.Namespace)
	}
}

func (e *PurgeError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.ClearErr != nil {
		errs = append(errs, e.ClearErr)
	}
	if e.ManifestErr != nil {
		errs = append(errs, e.ManifestErr)
	}
	return errs
}
